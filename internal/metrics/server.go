package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
)

var log = logrus.WithField("component", "metrics")

// StatusSource 状态服务读取的引擎视图
type StatusSource interface {
	Status() domain.Status
	OpenOrders() []domain.Order
	Positions() []domain.Position
}

type statusResponse struct {
	Session             domain.SessionState `json:"session"`
	AuthAvailable       bool                `json:"authAvailable"`
	CredentialExpiresAt string              `json:"credentialExpiresAt,omitempty"`
	LastError           string              `json:"lastError,omitempty"`
	OpenOrders          []domain.Order      `json:"openOrders"`
	Positions           []domain.Position   `json:"positions"`
	Counters            map[string]int64    `json:"counters"`
}

// Counters 当前所有计数器的快照
func Counters() map[string]int64 {
	out := make(map[string]int64)
	expvar.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			out[kv.Key] = v.Value()
		}
	})
	return out
}

// Router 状态与调试路由：
// - /status      会话、凭证、在途订单、持仓、计数器
// - /debug/vars  expvar
// - /debug/pprof pprof
func Router(src StatusSource) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/status", func(c *gin.Context) {
		st := src.Status()
		c.JSON(http.StatusOK, statusResponse{
			Session:             st.Session,
			AuthAvailable:       st.AuthAvailable,
			CredentialExpiresAt: st.CredentialExpiresAt,
			LastError:           st.LastError,
			OpenOrders:          src.OpenOrders(),
			Positions:           src.Positions(),
			Counters:            Counters(),
		})
	})
	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	// pprof：显式注册，避免依赖 DefaultServeMux 的全局副作用
	debug := r.Group("/debug/pprof")
	debug.GET("/", gin.WrapF(pprof.Index))
	debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	debug.GET("/profile", gin.WrapF(pprof.Profile))
	debug.GET("/symbol", gin.WrapF(pprof.Symbol))
	debug.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		debug.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
	return r
}

// StartAsync 启动状态服务（非阻塞），ctx 结束时优雅关闭。建议仅监听 localhost 或内网。
func StartAsync(ctx context.Context, listenAddr string, src StatusSource) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s := &http.Server{
		Addr:              listenAddr,
		Handler:           Router(src),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("状态服务异常退出")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	log.Infof("状态服务监听 %s", ln.Addr())
	return s, nil
}
