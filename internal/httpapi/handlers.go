// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parlor-chat/parlor/internal/gatewayerr"
	"github.com/parlor-chat/parlor/internal/identity"
	"github.com/parlor-chat/parlor/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
}

// postLogin implements spec.md §6.1 POST /api/auth/login and R3: the
// same username always resolves to the same user.id.
func postLogin(dir *identity.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
			return
		}
		user, err := dir.ResolveOrCreateUser(req.Username)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

func getServers(dir *identity.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"servers": dir.ListServers()})
	}
}

type createServerRequest struct {
	Name string `json:"name"`
}

func postServer(dir *identity.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createServerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}
		srv, err := dir.CreateServer(req.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"server": srv})
	}
}

type createChannelRequest struct {
	Name string            `json:"name"`
	Type store.ChannelType `json:"type"`
}

func postChannel(dir *identity.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createChannelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}
		ch, err := dir.CreateChannel(c.Param("serverId"), req.Name, req.Type)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"channel": ch})
	}
}

// getMessages implements spec.md §6.1: 404 if the channel doesn't
// exist, or exists under a different server than the one named in the
// path.
func getMessages(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		serverID := c.Param("serverId")
		channelID := c.Param("channelId")

		srv, ch, ok := store.FindChannel(st.Read(), channelID)
		if !ok || srv.ID != serverID {
			writeError(c, gatewayerr.NotFoundf("channel %q not found", channelID))
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": ch.Messages})
	}
}
