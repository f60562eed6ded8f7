package boshhttp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/bosh-server-go/bosh"
	"github.com/ggoodman/bosh-server-go/internal/logctx"
	"github.com/ggoodman/bosh-server-go/stanza"
)

var _ http.Handler = (*Handler)(nil)

// ErrNotBody is returned when the request document is not a <body/>.
var ErrNotBody = errors.New("request document is not a <body/>")

var (
	xmlMediaType         = contenttype.NewMediaType("text/xml")
	applicationXMLType   = contenttype.NewMediaType("application/xml")
	plainTextMediaType   = contenttype.NewMediaType("text/plain")
	acceptedContentTypes = []contenttype.MediaType{xmlMediaType, applicationXMLType, plainTextMediaType}
)

const (
	responseContentType = "text/xml; charset=utf-8"
	defaultPath         = "/http-bind"
	defaultMaxBodyBytes = 1 << 20
	// writeSlack is added to the negotiated wait when extending the write
	// deadline of a held response.
	writeSlack = 10 * time.Second
)

// Option configures the Handler.
type Option func(*config)

type config struct {
	path         string
	logger       *slog.Logger
	maxBodyBytes int64
}

// WithPath sets the URL path the handler answers on. Defaults to /http-bind.
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMaxBodyBytes caps the size of a request document.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// Handler serves BOSH over HTTP POST.
type Handler struct {
	mux          *http.ServeMux
	eng          *bosh.Engine
	log          *slog.Logger
	maxBodyBytes int64
}

// New constructs a Handler for eng.
func New(eng *bosh.Engine, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	cfg := &config{path: defaultPath, logger: slog.Default(), maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}
	if !strings.HasPrefix(cfg.path, "/") {
		return nil, fmt.Errorf("path must be absolute, got %q", cfg.path)
	}

	h := &Handler{
		eng:          eng,
		log:          logctx.Wrap(cfg.logger),
		maxBodyBytes: cfg.maxBodyBytes,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.path), h.handlePost)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !acceptedType(ctype) {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	req, err := decodeRequest(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			h.log.WarnContext(ctx, "body.decode.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		h.log.InfoContext(ctx, "body.decode.fail", slog.String("err", err.Error()))
		writeBody(w, bosh.TerminateBody(bosh.ConditionBadRequest))
		return
	}

	conn := newConn(w)
	if err := h.eng.HandleRequest(ctx, req, conn); err != nil {
		h.logRejection(ctx, err)
	}

	select {
	case body := <-conn.out:
		writeBody(w, body)
		h.log.DebugContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
	case <-ctx.Done():
		conn.fail(ctx.Err())
		h.log.InfoContext(ctx, "http.post.abandoned", slog.Duration("dur", time.Since(start)))
	}
}

func (h *Handler) logRejection(ctx context.Context, err error) {
	if errors.Is(err, bosh.ErrStaleRequest) {
		h.log.DebugContext(ctx, "request.stale", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "request.reject", slog.String("err", err.Error()))
}

func acceptedType(ctype contenttype.MediaType) bool {
	for _, t := range acceptedContentTypes {
		if ctype.Matches(t) {
			return true
		}
	}
	return false
}

func writeBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", responseContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// decodeRequest reads one <body/> document. Prefixes are kept as written, so
// xmpp:restart and xmpp:version arrive under the xmpp prefix whatever
// namespace it is bound to. Character data between child elements is
// dropped.
func decodeRequest(r io.Reader) (*bosh.Request, error) {
	d := xml.NewDecoder(r)
	for {
		tok, err := d.RawToken()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("empty request: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "body" {
			return nil, fmt.Errorf("%w: got <%s>", ErrNotBody, stanza.QualifiedName(start.Name))
		}
		body, err := stanza.Decode(d, start.Copy())
		if err != nil {
			return nil, err
		}
		var nodes []*stanza.Node
		for _, c := range body.Children {
			if c.Kind == stanza.ElementNode {
				nodes = append(nodes, c)
			}
		}
		return bosh.RequestFromAttrs(body.Attr, nodes)
	}
}
