package server

import (
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"net/http"
	"strconv"
	"time"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer    *http.Server
	handlers      map[string]http.Handler
	gateway       *Gateway
	uploads       *uploader
	afterShutdown []func()
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host         string        `env:"HOST" envDefault:"0.0.0.0"`
	Port         uint16        `env:"PORT" envDefault:"9000"`
	UploadDir    string        `env:"UPLOAD_DIR" envDefault:"uploads"`
	PublicURL    string        `env:"PUBLIC_URL"`
	FrameRate    float64       `env:"FRAME_RATE" envDefault:"20"`
	FrameBurst   int           `env:"FRAME_BURST" envDefault:"40"`
	StoreTimeout time.Duration `env:"STORE_OP_TIMEOUT" envDefault:"0s"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters
// for http.Server, the gateway and the upload endpoint
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		c.uploads.dir = cfg.UploadDir
		c.uploads.publicURL = cfg.PublicURL
		c.gateway.frameRate = rate.Limit(cfg.FrameRate)
		c.gateway.frameBurst = cfg.FrameBurst
		c.gateway.storeTimeout = cfg.StoreTimeout
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// UploadDir sets the directory files posted to /upload are written to
func UploadDir(dir string) Option {
	return optionFunc(func(c *config) {
		c.uploads.dir = dir
	})
}

// FrameLimit sets the per-connection inbound frame rate and burst
func FrameLimit(r rate.Limit, burst int) Option {
	return optionFunc(func(c *config) {
		c.gateway.frameRate = r
		c.gateway.frameBurst = burst
	})
}

// MaxFrameSize limits the size of a single inbound websocket frame
func MaxFrameSize(n int64) Option {
	return optionFunc(func(c *config) {
		c.gateway.maxFrameSize = n
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// registerHandlers registers each handler of the handlers map plus the websocket gateway and the uploaded
// files on a new mux.Router, which is used as a http.Handler for http.Server in config struct
func registerHandlers(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		r := mux.NewRouter()
		for pattern, h := range c.handlers {
			r.Handle(pattern, h)
		}
		r.Handle("/ws", log(c.gateway, logger)).Methods(http.MethodGet)
		r.PathPrefix("/uploads/").Handler(log(c.uploads.files(), logger)).Methods(http.MethodGet, http.MethodHead)
		c.httpServer.Handler = r
	})
}

// applyLog wraps each http.Handler in handlers map with log middleware
func applyLog(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = log(h, logger)
		}
	})
}

// TimeoutHandler wraps each handler in handlers map in http.TimeoutHandler with provided duration and message.
// The websocket endpoint is never wrapped since its connections are long-lived.
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = http.TimeoutHandler(h, d, msg)
		}
	})
}
