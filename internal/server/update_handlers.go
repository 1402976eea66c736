package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/access"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/catalog"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	opPublish  = "catalog.publish"
	opUpload   = "assets.upload"
	opCheck    = "catalog.check"
	opDownload = "assets.download"

	maxRawUploadBytes  = 64 << 20
	maxJSONUploadBytes = 96 << 20
)

type publishPayload struct {
	Slug        string `json:"slug"`
	Version     string `json:"version"`
	URL         string `json:"url"`
	Changelog   string `json:"changelog"`
	AssetAPIURL string `json:"assetApiUrl"`
}

type uploadPayload struct {
	Slug       string `json:"slug"`
	Version    string `json:"version"`
	DataBase64 string `json:"dataBase64"`
	Data       string `json:"data"`
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	if err := h.gate.RequirePublisher(opPublish, c.GetHeader(access.PublishKeyHeader)); err != nil {
		h.writeError(c, err)
		return
	}
	var request publishPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, badRequest(opPublish, "invalid_json", "invalid request body"))
		return
	}
	meta, err := h.catalog.Publish(c.Request.Context(), catalog.PublishRequest{
		Slug:        request.Slug,
		Version:     request.Version,
		URL:         request.URL,
		Changelog:   request.Changelog,
		AssetAPIURL: request.AssetAPIURL,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// handleUpload accepts the archive as a raw zip body or as base64 inside JSON. Query parameters
// name the slug and version; JSON bodies may carry them instead.
func (h *httpHandler) handleUpload(c *gin.Context) {
	if err := h.gate.RequirePublisher(opUpload, c.GetHeader(access.PublishKeyHeader)); err != nil {
		h.writeError(c, err)
		return
	}
	slug := c.Query("slug")
	version := c.Query("version")

	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	var data []byte
	switch mediaType {
	case "application/json":
		payload, err := readJSONUpload(c)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if strings.TrimSpace(slug) == "" {
			slug = payload.Slug
		}
		if strings.TrimSpace(version) == "" {
			version = payload.Version
		}
		data, err = decodeBase64Payload(firstNonEmpty(payload.DataBase64, payload.Data))
		if err != nil {
			h.writeError(c, err)
			return
		}
	case "application/zip", "application/octet-stream", "application/x-zip-compressed":
		raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRawUploadBytes))
		if err != nil {
			h.writeError(c, uploadReadError(err))
			return
		}
		data = raw
	default:
		h.writeError(c, badRequest(opUpload, "unsupported_content_type", "send application/zip or JSON with dataBase64"))
		return
	}

	if len(data) == 0 {
		h.writeError(c, badRequest(opUpload, "empty_payload", "asset payload is empty"))
		return
	}
	result, err := h.assets.Upload(c.Request.Context(), slug, version, data)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func readJSONUpload(c *gin.Context) (uploadPayload, error) {
	var payload uploadPayload
	decoder := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONUploadBytes))
	if err := decoder.Decode(&payload); err != nil {
		return uploadPayload{}, uploadReadError(err)
	}
	return payload, nil
}

func uploadReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return badRequest(opUpload, "payload_too_large", "asset payload exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
	}
	return badRequest(opUpload, "invalid_body", "could not read request body")
}

// decodeBase64Payload accepts standard or URL-safe alphabets, padded or not.
func decodeBase64Payload(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, badRequest(opUpload, "empty_payload", "dataBase64 required")
	}
	for _, encoding := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := encoding.DecodeString(encoded); err == nil {
			return decoded, nil
		}
	}
	return nil, badRequest(opUpload, "invalid_base64", "dataBase64 is not valid base64")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (h *httpHandler) handleCheck(c *gin.Context) {
	slug := c.Query("slug")
	if strings.TrimSpace(slug) == "" {
		h.writeError(c, badRequest(opCheck, "missing_slug", "slug required"))
		return
	}
	result, err := h.catalog.Check(c.Request.Context(), slug, c.Query("version"), h.requestBaseURL(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleDownload streams the latest asset. Errors are plain text; a failure after the first byte
// aborts the connection instead of ending the body cleanly.
func (h *httpHandler) handleDownload(c *gin.Context) {
	slug := c.Query("slug")
	if strings.TrimSpace(slug) == "" {
		h.writePlainError(c, badRequest(opDownload, "missing_slug", "slug required"))
		return
	}
	download, err := h.distributor.Open(c.Request.Context(), slug)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			h.writePlainError(c, apperrors.NotFound(opDownload, "not_found", errors.New("not found")))
			return
		}
		h.writePlainError(c, err)
		return
	}
	defer download.Body.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", download.ContentType)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": download.Filename}))
	if download.Size >= 0 {
		header.Set("Content-Length", strconv.FormatInt(download.Size, 10))
	}
	if download.SHA256 != "" {
		header.Set(ExpectedDigestHeader, download.SHA256)
	}
	c.Status(http.StatusOK)

	written, err := io.Copy(c.Writer, download.Body)
	if err != nil {
		h.logger.Warn("download aborted mid-stream",
			zap.String("slug", slug),
			zap.String("strategy", download.Strategy),
			zap.Int64("written", written),
			zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}
