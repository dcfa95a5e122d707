// Package server exposes a read-only HTTP view of a layer store.
package server

import (
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"emperror.dev/emperror"
	"emperror.dev/errors"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
)

// Store is the part of a layer store the server reads from.
type Store interface {
	Layers() []layerstore.Layer
	ListItems(ctx context.Context) ([]layerstore.Item, error)
	ListDirectory(ctx context.Context, dir string) ([]layerstore.Item, error)
	Resolve(ctx context.Context, name string) (layerstore.Layer, layerstore.Item, error)
	ReadFile(ctx context.Context, name string) (io.ReadCloser, error)
}

type Server struct {
	host, port string
	store      Store
	srv        *http.Server
	log        zLogger.ZLogger
}

func NewServer(store Store, addr string, log zLogger.ZLogger) (*Server, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, emperror.Wrapf(err, "cannot split address %s", addr)
	}
	return &Server{
		host:  host,
		port:  port,
		store: store,
		log:   log,
	}, nil
}

func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	route := gin.New()
	route.Use(gin.Recovery())
	route.UseRawPath = true
	route.UnescapePathValues = false

	route.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	route.GET("/layers", s.layers)
	route.GET("/paths", s.paths)
	route.GET("/dirs/*path", s.dir)
	route.GET("/resolve/*path", s.resolve)
	route.GET("/files/*path", s.file)
	return route.Handler()
}

func (s *Server) ListenAndServe(cert, key string) error {
	s.srv = &http.Server{
		Addr:    net.JoinHostPort(s.host, s.port),
		Handler: s.Handler(),
	}
	if cert != "" && key != "" {
		s.log.Info().Msgf("starting layerstore server at https://%s", s.srv.Addr)
		return errors.WithStack(s.srv.ListenAndServeTLS(cert, key))
	}
	s.log.Info().Msgf("starting layerstore server at http://%s", s.srv.Addr)
	return errors.WithStack(s.srv.ListenAndServe())
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return errors.WithStack(s.srv.Shutdown(ctx))
}

func statusOf(err error) int {
	switch layererrors.KindOf(err) {
	case layererrors.ErrNotFound:
		return http.StatusNotFound
	case layererrors.ErrIsDirectory:
		return http.StatusConflict
	case layererrors.ErrInvalidPath:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Stack().Err(err).Msgf("%s %s", c.Request.Method, c.Request.URL.Path)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// pathParam returns the unescaped wildcard parameter without its leading
// slash.
func pathParam(c *gin.Context) (string, error) {
	p, err := url.PathUnescape(c.Param("path"))
	if err != nil {
		return "", errors.Wrapf(err, "cannot unescape '%s'", c.Param("path"))
	}
	return strings.TrimPrefix(p, "/"), nil
}

type layerInfo struct {
	ID       layerstore.LayerID    `json:"id"`
	State    layerstore.LayerState `json:"state"`
	Location string                `json:"location"`
	Size     int64                 `json:"size,omitempty"`
	Human    string                `json:"human,omitempty"`
}

func (s *Server) layers(c *gin.Context) {
	var result []layerInfo
	for _, l := range s.store.Layers() {
		info := layerInfo{ID: l.ID, State: l.State, Location: l.Location()}
		if l.State == layerstore.Sealed {
			if fi, err := os.Stat(l.Location()); err == nil {
				info.Size = fi.Size()
				info.Human = humanize.Bytes(uint64(fi.Size()))
			}
		}
		result = append(result, info)
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) paths(c *gin.Context) {
	items, err := s.store.ListItems(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) dir(c *gin.Context) {
	name, err := pathParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items, err := s.store.ListDirectory(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) resolve(c *gin.Context) {
	name, err := pathParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	layer, item, err := s.store.Resolve(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item":     item,
		"state":    layer.State,
		"location": layer.Location(),
	})
}

func (s *Server) file(c *gin.Context) {
	name, err := pathParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rc, err := s.store.ReadFile(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer rc.Close()
	var r io.Reader = rc
	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		mr, err := newMimeReader(rc)
		if err != nil {
			s.fail(c, err)
			return
		}
		r = mr
		contentType = mr.GetMimetype()
	}
	c.DataFromReader(http.StatusOK, -1, contentType, r, nil)
}
