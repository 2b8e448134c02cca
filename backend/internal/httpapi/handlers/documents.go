package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ot/revision"
)

// SnapshotSaver 快照存储，snapshot 路由依赖它
type SnapshotSaver interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev int64, contentJSON, contentText string) error
}

type Documents struct {
	server    *collab.ServerManager
	snapshots SnapshotSaver
	presence  cache.PresenceCache
}

func NewDocuments(server *collab.ServerManager, snapshots SnapshotSaver, presence cache.PresenceCache) *Documents {
	return &Documents{server: server, snapshots: snapshots, presence: presence}
}

// Register 挂到 /collab 分组下
func (h *Documents) Register(g *gin.RouterGroup) {
	g.GET("/documents/:id", h.GetDocument)
	g.GET("/documents/:id/revisions", h.GetRevisions)
	g.PUT("/documents/:id", h.ResetDocument)
	g.POST("/documents/:id/snapshot", h.SaveSnapshot)
	g.GET("/documents/:id/members", h.Members)
}

func (h *Documents) GetDocument(c *gin.Context) {
	doc, err := h.server.Document(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	rev, content, text := doc.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"id":       doc.ObjectID(),
		"revision": rev,
		"delta":    json.RawMessage(content),
		"text":     text,
	})
}

func (h *Documents) GetRevisions(c *gin.Context) {
	doc, err := h.server.Document(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	start, err1 := strconv.ParseInt(c.DefaultQuery("start", "1"), 10, 64)
	end, err2 := strconv.ParseInt(c.DefaultQuery("end", strconv.FormatInt(doc.RevID(), 10)), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_RANGE", "message": "start and end must be integers"})
		return
	}
	r := revision.Range{Start: start, End: end}
	if doc.RevID() == 0 && c.Query("start") == "" && c.Query("end") == "" {
		c.JSON(http.StatusOK, gin.H{"id": doc.ObjectID(), "revisions": []revision.Revision{}})
		return
	}
	if !r.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_RANGE", "message": "invalid range " + r.String()})
		return
	}
	revs, err := doc.RevisionsInRange(c.Request.Context(), r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": doc.ObjectID(), "revisions": revs})
}

type resetRequest struct {
	Delta    delta.Delta `json:"delta"`
	Revision int64       `json:"revision"`
}

// ResetDocument 用整篇文档替换服务端内容，所有连接收到 override 推送
func (h *Documents) ResetDocument(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	doc, err := h.server.Document(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Revision <= 0 {
		req.Revision = doc.RevID() + 1
	}
	if err := doc.ResetContent(c.Request.Context(), req.Delta, req.Revision, c.GetString("userId")); err != nil {
		writeError(c, err)
		return
	}
	log.Printf("httpapi: reset doc=%s rev=%d user=%s", doc.ObjectID(), req.Revision, c.GetString("userId"))
	c.JSON(http.StatusOK, gin.H{"id": doc.ObjectID(), "revision": doc.RevID(), "md5": doc.MD5()})
}

func (h *Documents) SaveSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"code": "SNAPSHOTS_DISABLED"})
		return
	}
	doc, err := h.server.Document(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	rev, content, text := doc.Snapshot()
	if err := h.snapshots.SaveDocumentSnapshot(c.Request.Context(), doc.ObjectID(), rev, content, text); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": doc.ObjectID(), "revision": rev, "createdAt": time.Now().Format(time.RFC3339)})
}

func (h *Documents) Members(c *gin.Context) {
	members, err := h.presence.AliveMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "members": members})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrEmptyObjectID):
		c.JSON(http.StatusBadRequest, gin.H{"code": err.Error()})
	case collab.IsRejected(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "REJECTED", "message": err.Error()})
	default:
		log.Printf("httpapi: path=%s err=%v", c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
	}
}
