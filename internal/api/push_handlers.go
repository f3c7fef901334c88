package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orbisapp/quotad/internal/push"
)

// Push routes keep the camelCase keys the mobile client already sends.

type registerTokenRequest struct {
	Token    string   `json:"token"`
	Platform string   `json:"platform"`
	UserID   string   `json:"userId"`
	Topics   []string `json:"topics"`
}

type topicRequest struct {
	Token string `json:"token"`
	Topic string `json:"topic"`
}

type sendToUserRequest struct {
	UserID string            `json:"userId"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data"`
}

type sendToTopicRequest struct {
	Topic string            `json:"topic"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

type broadcastRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type sendResponse struct {
	Success   bool              `json:"success"`
	MessageID string            `json:"messageId,omitempty"`
	Result    *push.BatchResult `json:"result,omitempty"`
}

func HandlePushRegisterPOST(svc *push.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.Token == "" {
			badRequest(c, "token is required")
			return
		}

		result, err := svc.RegisterToken(c.Request.Context(), push.RegisterRequest{
			Token:    req.Token,
			Platform: req.Platform,
			UserID:   req.UserID,
			Topics:   req.Topics,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":          true,
			"message":          "Token registered",
			"subscribedTopics": result.SubscribedTopics,
		})
	}
}

func HandlePushSubscribePOST(svc *push.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req topicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}

		if err := svc.SubscribeTopic(c.Request.Context(), req.Token, req.Topic); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Subscribed to " + req.Topic,
		})
	}
}

func HandlePushUnsubscribePOST(svc *push.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req topicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}

		if err := svc.UnsubscribeTopic(c.Request.Context(), req.Token, req.Topic); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func HandlePushSendToUserPOST(svc *push.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendToUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}

		result, err := svc.SendToUser(c.Request.Context(), req.UserID, req.Title, req.Body, req.Data)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sendResponse{Success: result.Success, MessageID: result.MessageID, Result: result.Batch})
	}
}

func HandlePushSendToTopicPOST(svc *push.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendToTopicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}

		result, err := svc.SendToTopic(c.Request.Context(), req.Topic, req.Title, req.Body, req.Data)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sendResponse{Success: result.Success, MessageID: result.MessageID})
	}
}

func HandlePushBroadcastPOST(svc *push.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}

		result, err := svc.Broadcast(c.Request.Context(), req.Title, req.Body)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sendResponse{Success: result.Success, MessageID: result.MessageID})
	}
}
