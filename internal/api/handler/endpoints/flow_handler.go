package endpoints

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"imgflow"
	"imgflow/internal/api/handler/mapper"
	"imgflow/internal/api/handler/middleware"
	"imgflow/internal/api/handler/request"
	"imgflow/internal/api/handler/response"
	"imgflow/internal/api/models"
	"imgflow/internal/api/service"
	"imgflow/internal/codec"
	"imgflow/internal/gen"
	"imgflow/pkg"
)

const (
	maxImageSize    = 32 << 20
	maxDocumentSize = 256 << 20
)

type flowHandler struct {
	flowService *service.FlowService
	flowMapper  mapper.FlowMapper
	config      imgflow.AppConfig
	logger      zerolog.Logger
}

func newFlowHandler(flows *service.FlowService, config imgflow.AppConfig, logger zerolog.Logger) *flowHandler {
	return &flowHandler{
		flowService: flows,
		flowMapper:  mapper.NewFlowMapper(),
		config:      config,
		logger:      logger,
	}
}

func FlowHandler(router gin.IRouter, flows *service.FlowService) {
	newFlowHandler(flows, imgflow.GetConfig(), imgflow.Logger).register(router)
}

func (slf *flowHandler) register(router gin.IRouter) {
	routes := router.Group("/api/v1/flows")
	routes.Use(middleware.AuthMiddleware(slf.config))
	{
		routes.GET("", slf.getAll)
		routes.POST("", slf.create)
		routes.GET("/:id", slf.getByID)
		routes.DELETE("/:id", slf.close)

		routes.POST("/:id/nodes", slf.addNode)
		routes.DELETE("/:id/nodes/:nodeId", slf.deleteNode)
		routes.PATCH("/:id/nodes/:nodeId/params", slf.setParams)
		routes.PUT("/:id/nodes/:nodeId/image", slf.uploadImage)
		routes.GET("/:id/nodes/:nodeId/image", slf.getImage)
		routes.POST("/:id/nodes/:nodeId/retry", slf.retry)

		routes.POST("/:id/edges", slf.addEdge)
		routes.DELETE("/:id/edges/:target/:port", slf.deleteEdge)

		routes.GET("/:id/code", slf.generateCode)
		routes.GET("/:id/export", slf.export)
		routes.POST("/:id/import", slf.importDocument)
		routes.POST("/:id/save", slf.save)
	}

	operations := router.Group("/api/v1/operations")
	operations.Use(middleware.AuthMiddleware(slf.config))
	{
		operations.GET("", slf.getOperations)
	}
}

func (slf *flowHandler) flowID(c *gin.Context) (uint, bool) {
	id, err := pkg.ParseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return 0, false
	}
	return id, true
}

func nodeID(c *gin.Context) models.NodeID {
	return models.NodeID(c.Param("nodeId"))
}

func (slf *flowHandler) getAll(c *gin.Context) {
	flows, err := slf.flowService.FindAll()
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to list flows")
		return
	}
	c.JSON(http.StatusOK, slf.flowMapper.ToFlowResponses(flows))
}

func (slf *flowHandler) create(c *gin.Context) {
	var dto request.CreateFlowDTO
	if err := pkg.ParseAndValidate(c, &dto); err != nil {
		slf.logger.Debug().Err(err).Msg("Error parsing and validating create flow DTO")
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	flow, err := slf.flowService.Create(dto.Name)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to create flow")
		return
	}
	c.JSON(http.StatusCreated, slf.flowMapper.ToFlowResponse(flow))
}

func (slf *flowHandler) getByID(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	snap, err := slf.flowService.Snapshot(id)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to load flow")
		return
	}
	c.JSON(http.StatusOK, slf.flowMapper.ToGraphResponse(id, snap))
}

// close drops the in-memory session; with ?purge=true the stored flow is
// deleted as well.
func (slf *flowHandler) close(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	var err error
	if c.Query("purge") == "true" {
		err = slf.flowService.Delete(id)
	} else {
		err = slf.flowService.Close(id)
	}
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to close flow")
		return
	}
	c.Status(http.StatusNoContent)
}

func (slf *flowHandler) addNode(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	var dto request.AddNodeDTO
	if err := pkg.ParseAndValidate(c, &dto); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	node, err := slf.flowService.AddNode(id, dto.Kind, dto.OpType)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to add node")
		return
	}
	c.JSON(http.StatusCreated, slf.flowMapper.ToNodeResponse(node))
}

func (slf *flowHandler) deleteNode(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	if err := slf.flowService.DeleteNode(c.Request.Context(), id, nodeID(c)); err != nil {
		abortWithError(c, slf.logger, err, "Failed to delete node")
		return
	}
	c.Status(http.StatusNoContent)
}

func (slf *flowHandler) setParams(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	var dto request.SetParamsDTO
	if err := pkg.ParseAndValidate(c, &dto); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	node, err := slf.flowService.SetParams(id, nodeID(c), dto.OpType, dto.Params)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to set params")
		return
	}
	c.JSON(http.StatusOK, slf.flowMapper.ToNodeResponse(node))
}

func (slf *flowHandler) uploadImage(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImageSize))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, response.APIError{Message: err.Error()})
		return
	}
	if _, _, err = image.DecodeConfig(bytes.NewReader(data)); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: "body is not a supported image: " + err.Error()})
		return
	}

	entry, err := slf.flowService.SetInput(c.Request.Context(), id, nodeID(c), data)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to store input image")
		return
	}
	c.JSON(http.StatusOK, slf.flowMapper.ToResultResponse(entry))
}

func (slf *flowHandler) getImage(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	data, entry, err := slf.flowService.Image(c.Request.Context(), id, nodeID(c))
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to read result image")
		return
	}
	if entry.Failed() {
		c.JSON(http.StatusUnprocessableEntity, response.APIError{Message: entry.Err, Data: slf.flowMapper.ToResultResponse(entry)})
		return
	}
	c.Header("ETag", `"`+entry.Digest+`"`)
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func (slf *flowHandler) retry(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	if err := slf.flowService.Retry(id, nodeID(c)); err != nil {
		abortWithError(c, slf.logger, err, "Failed to retry node")
		return
	}
	c.Status(http.StatusAccepted)
}

func (slf *flowHandler) addEdge(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	var dto request.AddEdgeDTO
	if err := pkg.ParseAndValidate(c, &dto); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	edge := slf.flowMapper.ToEdge(dto)
	replaced, err := slf.flowService.AddEdge(id, edge)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to add edge")
		return
	}
	c.JSON(http.StatusCreated, response.EdgeResponse{Edge: edge, Replaced: replaced})
}

func (slf *flowHandler) deleteEdge(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	port := models.Port(c.Param("port"))
	if !port.Valid() {
		c.JSON(http.StatusBadRequest, response.APIError{Message: "unknown port " + string(port)})
		return
	}

	if _, err := slf.flowService.DeleteEdge(id, models.NodeID(c.Param("target")), port); err != nil {
		abortWithError(c, slf.logger, err, "Failed to delete edge")
		return
	}
	c.Status(http.StatusNoContent)
}

func (slf *flowHandler) generateCode(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	lang, err := gen.ParseLanguage(c.DefaultQuery("lang", string(gen.LanguagePython)))
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to generate code")
		return
	}

	source, err := slf.flowService.Generate(id, lang)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to generate code")
		return
	}
	c.JSON(http.StatusOK, response.CodeResponse{Language: string(lang), Source: source})
}

func (slf *flowHandler) scope(c *gin.Context) (codec.Scope, bool) {
	scope, err := codec.ParseScope(c.Query("scope"))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return "", false
	}
	return scope, true
}

func (slf *flowHandler) export(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	scope, ok := slf.scope(c)
	if !ok {
		return
	}

	document, err := slf.flowService.Export(c.Request.Context(), id, scope)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to export flow")
		return
	}
	c.Data(http.StatusOK, "application/json", document)
}

func (slf *flowHandler) importDocument(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentSize))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, response.APIError{Message: err.Error()})
		return
	}

	if err = slf.flowService.Import(c.Request.Context(), id, data); err != nil {
		abortWithError(c, slf.logger, err, "Failed to import flow")
		return
	}
	snap, err := slf.flowService.Snapshot(id)
	if err != nil {
		abortWithError(c, slf.logger, err, "Failed to load flow")
		return
	}
	c.JSON(http.StatusOK, slf.flowMapper.ToGraphResponse(id, snap))
}

func (slf *flowHandler) save(c *gin.Context) {
	id, ok := slf.flowID(c)
	if !ok {
		return
	}
	scope, ok := slf.scope(c)
	if !ok {
		return
	}

	if err := slf.flowService.Save(c.Request.Context(), id, scope); err != nil {
		abortWithError(c, slf.logger, err, "Failed to save flow")
		return
	}
	c.Status(http.StatusNoContent)
}

func (slf *flowHandler) getOperations(c *gin.Context) {
	c.JSON(http.StatusOK, slf.flowService.Registry().Specs())
}
