package ports

import "github.com/gin-gonic/gin"

type HTTPHandler interface {
	GetSession(c *gin.Context)
	ListTiers(c *gin.Context)
	GetQuality(c *gin.Context)
	SetQuality(c *gin.Context)
	BroadcastMessage(c *gin.Context)
	ListPeers(c *gin.Context)
	ConnectPeer(c *gin.Context)
	DisconnectPeer(c *gin.Context)
}
