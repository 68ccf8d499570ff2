package cmd

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
)

const envPrefix = "ROBOROCK_PROXY"

var _rootCmdOpts struct {
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "roborock-proxy",
	Short: "HTTP and WebSocket proxy for a Roborock cleaning robot",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.cfgFile, "config", "", "config file (default is $HOME/.roborock-proxy.yaml)")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.envFile, "env-file", "", "dotenv file with ROBOROCK_USER style settings")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.logFormat, "log-format", "text", "log format (text or json)")

	errPanic(viper.GetViper().BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level")))
	errPanic(viper.GetViper().BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format")))
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

// initConfig reads in the config file, dotenv file and ENV variables
func initConfig() {
	if _rootCmdOpts.cfgFile != "" {
		viper.SetConfigFile(_rootCmdOpts.cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".roborock-proxy")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Logger(nil).Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _rootCmdOpts.cfgFile != "" {
		fmt.Fprintf(os.Stderr, "reading config file %s: %s\n", _rootCmdOpts.cfgFile, err)
		os.Exit(1)
	}

	if _rootCmdOpts.envFile != "" {
		if err := loadDotEnv(viper.GetViper(), _rootCmdOpts.envFile); err != nil {
			fmt.Fprintf(os.Stderr, "reading env file %s: %s\n", _rootCmdOpts.envFile, err)
			os.Exit(1)
		}
	}
}

// dotenv names and the config keys they set
var dotEnvKeys = map[string]string{
	"roborock_user":     "roborock.username",
	"roborock_password": "roborock.password",
	"log_level":         "logging.level",
	"origins":           "http.origins",
	"cleaning_x":        "robot.cleaning-x",
	"cleaning_y":        "robot.cleaning-y",
}

// loadDotEnv sets defaults from a dotenv file, so flags, the config file
// and the environment still take precedence
func loadDotEnv(cfg *viper.Viper, fileName string) error {
	env := viper.New()
	env.SetConfigFile(fileName)
	env.SetConfigType("dotenv")

	if err := env.ReadInConfig(); err != nil {
		return err
	}

	for envKey, key := range dotEnvKeys {
		if !env.IsSet(envKey) {
			continue
		}

		value := env.GetString(envKey)
		if key == "http.origins" {
			cfg.SetDefault(key, splitList(value))
			continue
		}
		cfg.SetDefault(key, value)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
