package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/roborock-proxy/internal/pkg/broadcast"
	"github.com/jake-scott/roborock-proxy/internal/pkg/handlers"
	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/jake-scott/roborock-proxy/internal/pkg/metrics"
	"github.com/jake-scott/roborock-proxy/pkg/middlewares"
)

var _serverCmdOpts struct {
	httpPort          uint16
	tlsCertPath       string
	tlsKeyPath        string
	origins           []string
	gracefulTimeout   time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	broadcastInterval time.Duration
	cleaningX         int
	cleaningY         int
	metrics           bool
	logRequests       bool
}

var serverCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the robot proxy web server",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServer(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := checkRequiredFlags("roborock.username", "roborock.password"); err != nil {
			return err
		}
		if viper.GetString("https.cert") != "" && viper.GetString("https.key") == "" {
			return checkRequiredFlags("https.key")
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().Uint16Var(&_serverCmdOpts.httpPort, "port", 8000, "HTTP port number")
	serverCmd.Flags().StringVar(&_serverCmdOpts.tlsCertPath, "tls-cert", "", "TLS certificate file, serves HTTPS when set")
	serverCmd.Flags().StringVar(&_serverCmdOpts.tlsKeyPath, "tls-key", "", "TLS key file")
	serverCmd.Flags().StringSliceVar(&_serverCmdOpts.origins, "origins", []string{"*"}, "origins allowed to call the API and open /ws")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.broadcastInterval, "broadcast-interval", time.Second*5, "how often to push the robot status to WebSocket clients")
	serverCmd.Flags().IntVar(&_serverCmdOpts.cleaningX, "cleaning-x", 0, "x coordinate of the maintenance spot used by /goto/cleaning")
	serverCmd.Flags().IntVar(&_serverCmdOpts.cleaningY, "cleaning-y", 0, "y coordinate of the maintenance spot used by /goto/cleaning")
	serverCmd.Flags().BoolVar(&_serverCmdOpts.metrics, "metrics", true, "serve Prometheus metrics on /metrics")
	serverCmd.Flags().BoolVar(&_serverCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("http.port", serverCmd.Flags().Lookup("port")))
	errPanic(viper.GetViper().BindPFlag("https.cert", serverCmd.Flags().Lookup("tls-cert")))
	errPanic(viper.GetViper().BindPFlag("https.key", serverCmd.Flags().Lookup("tls-key")))
	errPanic(viper.GetViper().BindPFlag("http.origins", serverCmd.Flags().Lookup("origins")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", serverCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", serverCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", serverCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("broadcast.interval", serverCmd.Flags().Lookup("broadcast-interval")))
	errPanic(viper.GetViper().BindPFlag("robot.cleaning-x", serverCmd.Flags().Lookup("cleaning-x")))
	errPanic(viper.GetViper().BindPFlag("robot.cleaning-y", serverCmd.Flags().Lookup("cleaning-y")))
	errPanic(viper.GetViper().BindPFlag("metrics.enabled", serverCmd.Flags().Lookup("metrics")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", serverCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(serverCmd)
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) || viper.GetString(f) == "" {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

func doServer() error {
	wait := viper.GetDuration("http.graceful-timeout")
	port := viper.GetUint("http.port")
	certFile := viper.GetString("https.cert")
	keyFile := viper.GetString("https.key")
	commandTimeout := viper.GetDuration("roborock.command-timeout")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	/* Log in, find the robot and open the command channel */
	startCtx, startCancel := context.WithTimeout(context.Background(), viper.GetDuration("roborock.startup-timeout"))
	defer startCancel()

	rb, err := discoverRobot(startCtx)
	if err != nil {
		return err
	}

	m := metrics.New(rb.device.DUID)
	if err := rb.openChannel(startCtx, m); err != nil {
		rb.Close()
		return err
	}
	defer rb.Close()

	vac := rb.vacuum()

	/* HTTP and WebSocket front end */
	origins := viper.GetStringSlice("http.origins")
	hub := broadcast.NewHub(origins).WithObserver(m)
	rh := handlers.NewRobotHandler(vac).WithTimeout(commandTimeout)

	r := mux.NewRouter()
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	rh.Register(r)
	r.Handle("/healthz", handlers.NewHealthHandler(rb.manager)).Methods(http.MethodGet)
	r.Handle("/ws", hub).Methods(http.MethodGet)
	if viper.GetBool("metrics.enabled") {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	// CORS wraps the router so preflight requests never reach route matching
	corsMw := middlewares.NewCorsMw(middlewares.NewCorsOptions(origins))

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      corsMw(r),
	}

	// context to stop the broadcast loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	bc := broadcast.NewBroadcaster(hub, vac).
		WithInterval(viper.GetDuration("broadcast.interval")).
		WithTimeout(commandTimeout).
		WithObserver(m)

	wg.Add(1)
	go func() {
		defer wg.Done()
		bc.Run(ctx)
	}()

	logging.Logger(nil).Infof("Serving on port %d", port)
	go func() {
		var err error
		if certFile != "" {
			err = s.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = s.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal
	<-c
	logging.Logger(nil).Info("shutting down")

	cancel()

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), wait)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}

	// hijacked WebSocket connections are not closed by Shutdown
	hub.Close()
	wg.Wait()

	logging.Logger(nil).Info("exiting")
	return nil
}
