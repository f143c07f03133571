package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pgdogdev/pgdog/pkg/admin"
	"github.com/pgdogdev/pgdog/pkg/client"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/frontend"
	"github.com/pgdogdev/pgdog/pkg/metrics"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/pool"
	"github.com/pgdogdev/pgdog/pkg/qparser"
	"github.com/pgdogdev/pgdog/pkg/qrouter"
	"github.com/pgdogdev/pgdog/pkg/routehint"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
	"go.uber.org/atomic"
)

type cancelKey struct {
	pid uint32
	key uint32
}

// App owns the listeners and the long-lived subsystems: topology
// store, pool, parser cache, router and the admin console.
type App struct {
	cfgPath string

	mu  sync.Mutex
	cfg *config.Config

	store  *topology.Store
	pool   *pool.Pool
	cache  *qparser.Cache
	router *qrouter.Router

	console *admin.Console

	sessions sync.Map // cancelKey -> *frontend.Session
	active   sync.WaitGroup

	paused atomic.Bool

	tlsConfig *tls.Config
}

func New(cfgPath string, cfg *config.Config, plugins ...routehint.Plugin) (*App, error) {
	snapshot, err := topology.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if cfg.General.TlsCertificate != "" && cfg.General.TlsPrivateKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.General.TlsCertificate, cfg.General.TlsPrivateKey)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	app := &App{
		cfgPath: cfgPath,
		cfg:     cfg,
		store:   topology.NewStore(snapshot),
		cache:   qparser.NewCache(cfg.General.QueryCacheLimit),
		router:  qrouter.New(routehint.NewChain(plugins...)),

		tlsConfig: tlsConfig,
	}

	app.pool = pool.New(pool.Options{
		ConnectTimeout:  cfg.General.ConnectTimeout.D(),
		CheckoutTimeout: cfg.General.CheckoutTimeout.D(),
		RollbackTimeout: cfg.General.RollbackTimeout.D(),
		BanTimeout:      cfg.General.BanTimeout.D(),
		LoadBalancing:   cfg.General.LoadBalancingStrategy,
		PreparedLimit:   cfg.General.PreparedStatementsLimit,
		TLS:             nil,
	})

	app.console = admin.NewConsole(&admin.Registry{
		Pool:    app.pool,
		Cache:   app.cache,
		Clients: app.clientInfos,
		Reload:  app.Reload,
		Pause:   func() { app.paused.Store(true) },
		Resume:  func() { app.paused.Store(false) },
	})

	return app, nil
}

func (app *App) Config() *config.Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.cfg
}

func (app *App) Pool() *pool.Pool {
	return app.pool
}

func (app *App) Store() *topology.Store {
	return app.store
}

func (app *App) clientInfos() []admin.ClientInfo {
	var out []admin.ClientInfo
	app.sessions.Range(func(_, value any) bool {
		s := value.(*frontend.Session)
		state := "idle"
		if s.InTransaction() {
			state = "active"
		}
		out = append(out, admin.ClientInfo{
			ID:       s.Client().ID(),
			User:     s.Client().Usr(),
			Database: s.Client().DB(),
			Addr:     s.Client().Conn().RemoteAddr().String(),
			State:    state,
		})
		return true
	})
	return out
}

// Reload re-reads the config file and swaps the topology snapshot;
// the pool drains sub-pools that fell out of it.
func (app *App) Reload() error {
	cfg, err := config.Load(app.cfgPath)
	if err != nil {
		return err
	}

	snapshot, err := topology.FromConfig(cfg)
	if err != nil {
		return err
	}

	app.mu.Lock()
	app.cfg = cfg
	app.mu.Unlock()

	_ = doglog.UpdateZeroLogLevel(cfg.General.LogLevel)

	old := app.store.Swap(snapshot)
	app.pool.Reload(app.store.Get())

	doglog.Zero.Info().
		Int64("old-version", old.Version).
		Int64("new-version", app.store.Get().Version).
		Msg("configuration reloaded")

	return nil
}

// Run accepts client connections until the context is cancelled, then
// drains gracefully.
func (app *App) Run(ctx context.Context) error {
	cfg := app.Config()

	addr := fmt.Sprintf("%s:%d", cfg.General.Host, cfg.General.Port)
	listener, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return err
	}

	doglog.Zero.Info().
		Str("addr", addr).
		Msg("pgdog is listening")

	prober := pool.NewProber(app.pool, app.store, cfg.General.HealthcheckInterval.D())
	go prober.Run(ctx)
	go app.observePools(ctx)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return app.drain(cfg.General.ShutdownTimeout.D())
			default:
				doglog.Zero.Error().Err(err).Msg("accept failed")
				continue
			}
		}

		app.active.Add(1)
		go func(conn net.Conn) {
			defer app.active.Done()
			if err := app.serveConn(conn); err != nil {
				doglog.Zero.Info().Err(err).Msg("client connection closed with error")
			}
		}(conn)
	}
}

func (app *App) drain(timeout time.Duration) error {
	doglog.Zero.Info().Msg("draining: waiting for in-flight sessions")

	done := make(chan struct{})
	go func() {
		app.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		doglog.Zero.Warn().Msg("drain timeout reached, closing remaining sessions")
	}

	app.pool.Shutdown()
	return nil
}

func (app *App) observePools(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idleTimeout := app.Config().General.IdleTimeout.D()
			app.pool.ForEachSubPool(func(sp *pool.SubPool) {
				sp.ReapIdle(idleTimeout)
				metrics.SetPoolGauges(sp.Endpoint().ID(),
					sp.IdleConnectionCount(), sp.UsedConnectionCount())
			})
		}
	}
}

func (app *App) serveConn(conn net.Conn) error {
	defer func() { _ = conn.Close() }()

	cl := client.NewPsqlClient(conn)

	if err := cl.Init(app.tlsConfig); err != nil {
		return err
	}

	/* cancel connections carry no session */
	if req := cl.CancelRequested(); req != nil {
		app.handleCancel(req.ProcessID, req.SecretKey)
		return nil
	}

	cfg := app.Config()

	if app.paused.Load() {
		return cl.ReplyErrMsg("pooler is paused", pgerror.ConnectionException, txstatus.TXIDLE)
	}

	/* admin console is a pseudo-database */
	if cl.DB() == cfg.Admin.Name {
		if err := client.Auth(cl, config.AuthClearText, cfg.Admin.Password); err != nil {
			_ = cl.ReplyErrMsg(err.Error(), pgerror.CodeOf(err), txstatus.TXIDLE)
			return err
		}
		if err := cl.FinishSetup(defaultServerParams()); err != nil {
			return err
		}
		return app.console.Serve(cl)
	}

	snapshot := app.store.Get()
	cluster, ok := snapshot.Cluster(cl.DB())
	if !ok {
		return cl.ReplyErrMsg(
			fmt.Sprintf("database \"%s\" does not exist", cl.DB()),
			"3D000", txstatus.TXIDLE)
	}

	password := cfg.FrontendPasswords[cl.Usr()]
	if err := client.Auth(cl, cfg.General.AuthMethod, password); err != nil {
		_ = cl.ReplyErrMsg(err.Error(), pgerror.CodeOf(err), txstatus.TXIDLE)
		return err
	}

	if err := cl.FinishSetup(defaultServerParams()); err != nil {
		return err
	}

	mode := cfg.General.PoolerMode
	for i := range cfg.Databases {
		if cfg.Databases[i].Name == cl.DB() {
			mode = cfg.Databases[i].PoolerMode
			break
		}
	}

	general := cfg.General
	session := frontend.NewSession(cl, cluster, app.store, app.router, app.pool, app.cache, &general, mode)

	pid, key := cl.CancelKey()
	ck := cancelKey{pid: pid, key: key}
	app.sessions.Store(ck, session)
	defer app.sessions.Delete(ck)

	return frontend.Serve(session)
}

func (app *App) handleCancel(pid, key uint32) {
	val, ok := app.sessions.Load(cancelKey{pid: pid, key: key})
	if !ok {
		doglog.Zero.Debug().
			Uint32("pid", pid).
			Msg("cancel request for unknown session")
		return
	}

	doglog.Zero.Info().
		Uint32("pid", pid).
		Msg("relaying cancel request to servers")
	val.(*frontend.Session).Cancel()
}

// defaultServerParams is the parameter status replay for clients; the
// values a vanilla backend would report.
func defaultServerParams() map[string]string {
	return map[string]string{
		"server_version":              "16.0 (pgdog)",
		"server_encoding":             "UTF8",
		"client_encoding":             "UTF8",
		"DateStyle":                   "ISO, MDY",
		"integer_datetimes":           "on",
		"standard_conforming_strings": "on",
	}
}
