package download

import (
	"net/http"
	"path/filepath"
	"strings"

	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler streams the artifacts behind signed URLs. It verifies the
// signature and expiry, then resolves the object key strictly inside the
// storage root so a crafted key cannot escape it.
type Handler struct {
	signer *Signer
	root   string
	logger *zap.Logger
}

func NewHandler(signer *Signer, storageRoot string) *Handler {
	abs, err := filepath.Abs(storageRoot)
	if err != nil {
		abs = storageRoot
	}
	return &Handler{signer: signer, root: abs, logger: util.GetLogger()}
}

// Serve handles GET /files/*key.
func (h *Handler) Serve(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	expires := c.Query("expires")
	signature := c.Query("signature")

	if key == "" || expires == "" || signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key, expires or signature"})
		return
	}

	if !h.signer.Verify(key, expires, signature) {
		h.logger.Warn("Rejected download with invalid or expired signature",
			zap.String("key", key))
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired link"})
		return
	}

	path, ok := h.resolve(key)
	if !ok {
		h.logger.Warn("Rejected download escaping storage root", zap.String("key", key))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object key"})
		return
	}

	c.Header("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	c.File(path)
}

// resolve maps an object key to an absolute path and rejects any result
// outside the storage root.
func (h *Handler) resolve(key string) (string, bool) {
	path := filepath.Join(h.root, filepath.Clean("/"+key))
	if path != h.root && !strings.HasPrefix(path, h.root+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}
