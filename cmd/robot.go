package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jake-scott/roborock-proxy/internal/pkg/channel"
	"github.com/jake-scott/roborock-proxy/internal/pkg/directory"
	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/jake-scott/roborock-proxy/internal/pkg/session"
	"github.com/jake-scott/roborock-proxy/internal/pkg/vacuum"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
)

/*
 *  Start-up sequence shared by the commands that talk to the robot:
 *  login, discovery, command channel
 */

var _robotOpts struct {
	username       string
	password       string
	baseURL        string
	apiTimeout     time.Duration
	sessionFile    string
	deviceIndex    int
	local          bool
	localAddress   string
	connectTimeout time.Duration
	commandTimeout time.Duration
	startupTimeout time.Duration
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&_robotOpts.username, "username", "", "Roborock account e-mail")
	flags.StringVar(&_robotOpts.password, "password", "", "Roborock account password")
	flags.StringVar(&_robotOpts.baseURL, "base-url", "", "Roborock API base URL (default: discovered from the account)")
	flags.DurationVar(&_robotOpts.apiTimeout, "api-timeout", time.Second*15, "maximum duration of a Roborock cloud API call, eg. 1m or 10s")
	flags.StringVar(&_robotOpts.sessionFile, "session-file", "", "file to keep the login session in between runs")
	flags.IntVar(&_robotOpts.deviceIndex, "device-index", 0, "which device of the home to control")
	flags.BoolVar(&_robotOpts.local, "local", true, "prefer the local network connection to the robot")
	flags.StringVar(&_robotOpts.localAddress, "local-address", "", "robot IP address (default: asked from the robot)")
	flags.DurationVar(&_robotOpts.connectTimeout, "connect-timeout", time.Second*15, "maximum duration of one channel connect attempt")
	flags.DurationVar(&_robotOpts.commandTimeout, "command-timeout", time.Second*10, "maximum duration of a robot command")
	flags.DurationVar(&_robotOpts.startupTimeout, "startup-timeout", time.Second*60, "maximum duration of login and discovery")

	errPanic(viper.GetViper().BindPFlag("roborock.username", flags.Lookup("username")))
	errPanic(viper.GetViper().BindPFlag("roborock.password", flags.Lookup("password")))
	errPanic(viper.GetViper().BindPFlag("roborock.base-url", flags.Lookup("base-url")))
	errPanic(viper.GetViper().BindPFlag("roborock.api-timeout", flags.Lookup("api-timeout")))
	errPanic(viper.GetViper().BindPFlag("roborock.session-file", flags.Lookup("session-file")))
	errPanic(viper.GetViper().BindPFlag("roborock.device-index", flags.Lookup("device-index")))
	errPanic(viper.GetViper().BindPFlag("roborock.local", flags.Lookup("local")))
	errPanic(viper.GetViper().BindPFlag("roborock.local-address", flags.Lookup("local-address")))
	errPanic(viper.GetViper().BindPFlag("roborock.connect-timeout", flags.Lookup("connect-timeout")))
	errPanic(viper.GetViper().BindPFlag("roborock.command-timeout", flags.Lookup("command-timeout")))
	errPanic(viper.GetViper().BindPFlag("roborock.startup-timeout", flags.Lookup("startup-timeout")))
}

// robot is everything resolved at start-up
type robot struct {
	session  *session.Session
	dir      *directory.Directory
	device   *directory.SelectedDevice
	resolver *directory.Resolver
	manager  *channel.Manager
}

func newWebAPI(username string) roborock.WebAPI {
	return roborock.NewLiveClient(username).
		WithBaseURL(viper.GetString("roborock.base-url")).
		WithTimeout(viper.GetDuration("roborock.api-timeout"))
}

// discoverRobot logs in, reusing a saved session when it still works, and
// picks the device to control
func discoverRobot(ctx context.Context) (*robot, error) {
	username := viper.GetString("roborock.username")
	password := viper.GetString("roborock.password")

	// one client, so the account region is looked up once
	api := newWebAPI(username)

	store := session.NewStore(func(u string) session.Authenticator {
		if u == username {
			return api
		}
		return newWebAPI(u)
	}).WithFile(viper.GetString("roborock.session-file"))

	resolver := directory.NewResolver(api).
		WithDeviceIndex(viper.GetInt("roborock.device-index"))

	sess, err := store.Restore(ctx, username)
	restored := err == nil
	if !restored {
		if sess, err = store.Login(ctx, username, password); err != nil {
			return nil, err
		}
	}

	dir, err := resolver.FetchDirectory(ctx, sess)
	if err != nil && restored {
		logging.Logger(ctx).WithError(err).Warn("saved session rejected, logging in again")
		if sess, err = store.Login(ctx, username, password); err != nil {
			return nil, err
		}
		dir, err = resolver.FetchDirectory(ctx, sess)
	}
	if err != nil {
		return nil, err
	}

	dev, err := resolver.SelectDevice(dir)
	if err != nil {
		return nil, err
	}

	logging.Logger(ctx).Infof("controlling %s (%s, %s)", dev.Name, dev.ProductName, dev.Model)

	return &robot{
		session:  sess,
		dir:      dir,
		device:   dev,
		resolver: resolver,
	}, nil
}

// openChannel connects over the cloud, then switches to the local network
// when the robot's address is known and reachable
func (r *robot) openChannel(ctx context.Context, observer channel.Observer) error {
	cfg, err := roborock.MQTTConfigFor(&r.session.User, r.device.DUID)
	if err != nil {
		return errors.Wrap(err, "preparing cloud channel")
	}

	info := r.device.Info()
	cloud := channel.NewDialer(channel.Cloud, func() (roborock.Conn, error) {
		return roborock.NewMQTTConn(cfg, info), nil
	})

	opts := channel.DefaultOptions()
	opts.AttemptTimeout = viper.GetDuration("roborock.connect-timeout")

	r.manager = channel.NewManager(opts, cloud)
	if observer != nil {
		r.manager.WithObserver(observer)
	}

	if !viper.GetBool("roborock.local") {
		_, err := r.manager.EnsureConnected(ctx)
		return err
	}

	addr := viper.GetString("roborock.local-address")
	if addr == "" {
		if _, err := r.manager.EnsureConnected(ctx); err != nil {
			return err
		}

		cmdCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("roborock.command-timeout"))
		addr, err = r.resolver.ResolveLocalAddress(cmdCtx, r.device, r.manager)
		cancel()
		if err != nil {
			logging.Logger(ctx).WithError(err).Warn("staying on the cloud channel")
			return nil
		}
	}

	dev := r.device.WithLocalAddress(addr)
	r.device = &dev

	local := channel.NewDialer(channel.Local, func() (roborock.Conn, error) {
		return roborock.NewLocalConn(addr, info), nil
	})
	if err := r.manager.Prefer(ctx, local); err != nil {
		// the cloud channel may not be up yet when the address was configured
		if _, cerr := r.manager.EnsureConnected(ctx); cerr != nil {
			return cerr
		}
	}

	return nil
}

func (r *robot) vacuum() *vacuum.Vacuum {
	return vacuum.New(r.manager, r.dir).WithCleaningSpot(vacuum.Point{
		X: viper.GetInt("robot.cleaning-x"),
		Y: viper.GetInt("robot.cleaning-y"),
	})
}

func (r *robot) Close() {
	if r.manager == nil {
		return
	}
	if err := r.manager.Close(); err != nil {
		logging.Logger(nil).WithError(err).Warn("closing command channel")
	}
}
