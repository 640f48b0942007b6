package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/0xcro3dile/docchat-go/internal/adapters/parser"
	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/usecases"
)

type createRequest struct {
	Title string `json:"title"`
}

type renameRequest struct {
	Title string `json:"title" binding:"required"`
}

type promptRequest struct {
	Text string `json:"text" form:"text"`
	TopK int    `json:"top_k" form:"top_k"`
}

type attachRequest struct {
	Text      string        `json:"text" binding:"required"`
	Citations []citationDTO `json:"citations"`
}

func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// bindJSON decodes an optional JSON body. An empty body leaves dst untouched.
func bindJSON(c *gin.Context, dst any, optional bool) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		abortTooLarge(c, "request body exceeds %d bytes", maxErr.Limit)
		return false
	}
	abortWithError(c, apperrors.ErrInvalidArgument.Wrapf(err, "invalid request body"))
	return false
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperrors.Validation("%s must be a non-negative integer", name)
	}
	return v, nil
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if !bindJSON(c, &req, true) {
		return
	}
	conv, err := s.transcript.Create(c.Request.Context(), userID(c), req.Title)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toConversationDTO(conv, true))
}

func (s *Server) handleList(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}

	convs, err := s.transcript.List(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]conversationDTO, len(convs))
	for i, conv := range convs {
		out[i] = toConversationDTO(conv, false)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out, "limit": usecases.ListLimit(limit), "offset": offset})
}

func (s *Server) handleGet(c *gin.Context) {
	conv, err := s.transcript.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationDTO(conv, true))
}

func (s *Server) handleRename(c *gin.Context) {
	var req renameRequest
	if !bindJSON(c, &req, false) {
		return
	}
	ctx := c.Request.Context()
	if err := s.transcript.Rename(ctx, userID(c), c.Param("id"), req.Title); err != nil {
		abortWithError(c, err)
		return
	}
	conv, err := s.transcript.Get(ctx, userID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationDTO(conv, false))
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.transcript.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleLatest(c *gin.Context) {
	ex, ok, err := s.transcript.Latest(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"exchange": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange": toExchangeDTO(ex)})
}

// handlePrompt accepts either JSON or a multipart form with an optional file.
func (s *Server) handlePrompt(c *gin.Context) {
	in := usecases.PromptInput{UserID: userID(c), ConversationID: c.Param("id")}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		var req promptRequest
		if err := c.ShouldBind(&req); err != nil {
			s.abortForm(c, err)
			return
		}
		in.Text, in.TopK = req.Text, req.TopK

		up, ok := s.readUpload(c, false)
		if !ok {
			return
		}
		in.Upload = up
	} else {
		var req promptRequest
		if !bindJSON(c, &req, false) {
			return
		}
		in.Text, in.TopK = req.Text, req.TopK
	}

	if in.TopK < 0 {
		abortWithError(c, apperrors.Validation("top_k must not be negative"))
		return
	}

	ctx := c.Request.Context()
	if async, _ := strconv.ParseBool(c.Query("async")); async {
		idx, err := s.chat.SubmitAsync(ctx, in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"exchange_index": idx, "status": entities.StatusPending})
		return
	}

	res, err := s.chat.Submit(ctx, in)
	if err != nil {
		body := newErrorResponse(c, err)
		if res != nil && res.Exchange.Status != "" {
			ex := toExchangeDTO(res.Exchange)
			body.Exchange = &ex
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusOK, turnDTO{
		Exchange:  toExchangeDTO(res.Exchange),
		Passages:  toPassageDTOs(res.Passages),
		Ingestion: toIngestionDTO(res.Ingestion),
	})
}

func (s *Server) handleAttachResponse(c *gin.Context) {
	var req attachRequest
	if !bindJSON(c, &req, false) {
		return
	}
	citations := make([]entities.Citation, len(req.Citations))
	for i, cd := range req.Citations {
		citations[i] = entities.Citation{Filename: cd.Filename, Page: cd.Page}
	}

	ctx := c.Request.Context()
	if _, err := s.transcript.AttachResponse(ctx, userID(c), c.Param("id"), req.Text, citations); err != nil {
		abortWithError(c, err)
		return
	}
	ex, _, err := s.transcript.Latest(ctx, userID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange": toExchangeDTO(ex)})
}

func (s *Server) handleUpload(c *gin.Context) {
	up, ok := s.readUpload(c, true)
	if !ok {
		return
	}
	res, err := s.chat.Upload(c.Request.Context(), userID(c), c.Param("id"), *up)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toIngestionDTO(res))
}

func (s *Server) handleDocuments(c *gin.Context) {
	docs, err := s.transcript.Documents(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]documentDTO, len(docs))
	for i, d := range docs {
		out[i] = toDocumentDTO(d)
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	if err := s.chat.DeleteDocument(c.Request.Context(), userID(c), c.Param("id"), c.Param("docId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSearch(c *gin.Context) {
	k, err := queryInt(c, "top_k", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if c.Query("top_k") != "" && (k < 1 || k > s.cfg.MaxTopK) {
		abortWithError(c, apperrors.Validation("top_k must be between 1 and %d", s.cfg.MaxTopK))
		return
	}

	passages, err := s.chat.Search(c.Request.Context(), userID(c), c.Param("id"), c.Query("q"), k)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"passages": toPassageDTOs(passages)})
}

// readUpload reads the "file" form field. The media type comes from the
// part header or the extension, and from the content when neither is
// specific.
func (s *Server) readUpload(c *gin.Context, required bool) (*entities.Upload, bool) {
	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) && !required {
		return nil, true
	}
	if err != nil {
		s.abortForm(c, err)
		return nil, false
	}
	if fh.Size > s.cfg.MaxFileBytes {
		abortTooLarge(c, "file %q exceeds %d bytes", fh.Filename, s.cfg.MaxFileBytes)
		return nil, false
	}

	f, err := fh.Open()
	if err != nil {
		abortWithError(c, apperrors.ErrInvalidArgument.Wrapf(err, "open uploaded file"))
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxFileBytes+1))
	if err != nil {
		abortWithError(c, apperrors.ErrInvalidArgument.Wrapf(err, "read uploaded file"))
		return nil, false
	}
	if int64(len(data)) > s.cfg.MaxFileBytes {
		abortTooLarge(c, "file %q exceeds %d bytes", fh.Filename, s.cfg.MaxFileBytes)
		return nil, false
	}

	mt := parser.NormalizeMediaType(fh.Header.Get("Content-Type"), fh.Filename)
	if mt == "" || mt == "application/octet-stream" {
		mt = parser.NormalizeMediaType(parser.Sniff(data), fh.Filename)
	}
	return &entities.Upload{Filename: fh.Filename, MediaType: mt, Data: data}, true
}

func (s *Server) abortForm(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		abortTooLarge(c, "request body exceeds %d bytes", maxErr.Limit)
		return
	}
	if errors.Is(err, http.ErrMissingFile) {
		abortWithError(c, apperrors.Validation("file is required"))
		return
	}
	abortWithError(c, apperrors.ErrInvalidArgument.Wrapf(err, "invalid form"))
}
