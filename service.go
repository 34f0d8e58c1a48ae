package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"metasrv/service"
	"metasrv/token"
	"metasrv/types"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"
)

// httpAPI is the admin HTTP API of a node.
type httpAPI struct {
	s      types.Store
	sink   *metrics.InmemSink
	tokens *token.Service
	meta   *service.MetaService
}

type JoinReq struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type SetReq struct {
	Key             string  `json:"key" binding:"required"`
	Value           string  `json:"value"`
	ExpectedVersion *uint64 `json:"expected_version"`
}

func (s *httpAPI) register(r gin.IRouter) {
	r.GET("/kv/:key", s.Get)
	r.GET("/status", s.Status)
	r.POST("/login", s.Login)

	authed := r.Group("/", s.requireToken)
	authed.POST("/kv", s.Set)
	authed.DELETE("/kv/:key", s.Delete)
	authed.POST("/write", s.Write)
	authed.POST("/join", s.Join)

	if s.sink != nil {
		r.GET("/metrics", s.Metrics)
	}
}

// httpStatus maps a metadata error to an HTTP status code.
func httpStatus(err error) int {
	var me *types.MetaError
	if !errors.As(err, &me) {
		return http.StatusInternalServerError
	}
	switch me.Code {
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeVersionConflict, types.CodeAlreadyExists:
		return http.StatusConflict
	}
	switch me.Kind {
	case types.KindProtocol:
		return http.StatusBadRequest
	case types.KindAuth:
		return http.StatusUnauthorized
	case types.KindConsensus, types.KindForward:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *httpAPI) fail(c *gin.Context, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		logrus.Error(err)
	} else {
		logrus.Debug(err)
	}
	c.JSON(code, types.AsMetaError(err))
}

// requireToken aborts requests that lack a valid "Authorization: Bearer" token.
func (s *httpAPI) requireToken(c *gin.Context) {
	tok, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		tok = ""
	}
	if _, err := service.VerifyToken(s.tokens, []string{tok}); err != nil {
		s.fail(c, err)
		c.Abort()
		return
	}
	c.Next()
}

func (s *httpAPI) write(c *gin.Context, cmd *types.Cmd) {
	st, err := s.s.Write(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *httpAPI) Set(c *gin.Context) {
	req := new(SetReq)
	if err := c.ShouldBindJSON(req); err != nil {
		logrus.Error(err)
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	s.write(c, &types.Cmd{
		Op:              types.OpUpsertKV,
		Key:             req.Key,
		Value:           req.Value,
		ExpectedVersion: req.ExpectedVersion,
	})
}

func (s *httpAPI) Get(c *gin.Context) {
	key := c.Param("key")
	v, ok := s.s.Get(key)
	if !ok {
		c.String(http.StatusNotFound, "key not found: %s", key)
		return
	}
	c.String(http.StatusOK, v)
}

// Delete removes a key; ?version= makes it conditional.
func (s *httpAPI) Delete(c *gin.Context) {
	cmd := &types.Cmd{Op: types.OpDeleteKV, Key: c.Param("key")}
	if q := c.Query("version"); q != "" {
		v, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			c.String(http.StatusBadRequest, "bad version: %s", q)
			return
		}
		cmd.ExpectedVersion = &v
	}
	s.write(c, cmd)
}

// Write applies any command, including the catalog operations.
func (s *httpAPI) Write(c *gin.Context) {
	cmd := new(types.Cmd)
	if err := c.ShouldBindJSON(cmd); err != nil {
		logrus.Error(err)
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	s.write(c, cmd)
}

func (s *httpAPI) Join(c *gin.Context) {
	req := new(JoinReq)
	if err := c.ShouldBindJSON(req); err != nil {
		logrus.Error(err)
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	if err := s.s.Join(c.Request.Context(), req.ID, req.Addr); err != nil {
		s.fail(c, err)
		return
	}

	c.String(http.StatusOK, "ok")
}

// Login trades the handshake credentials for a bearer token.
func (s *httpAPI) Login(c *gin.Context) {
	req := new(service.BasicAuth)
	if err := c.ShouldBindJSON(req); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	tok, err := s.meta.Login(*req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (s *httpAPI) Status(c *gin.Context) {
	status, err := s.s.Status()
	if err != nil {
		logrus.Error(err)
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *httpAPI) Metrics(c *gin.Context) {
	summary, err := s.sink.DisplayMetrics(c.Writer, c.Request)
	if err != nil {
		logrus.Error(err)
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}
