package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/roborock-proxy/internal/pkg/vacuum"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the robot's status, consumables and last clean",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doOneShot(func(ctx context.Context, v *vacuum.Vacuum) (interface{}, error) {
			return v.GetProperties(ctx)
		})
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("roborock.username", "roborock.password")
	},
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Print the rooms and their map segments",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doOneShot(func(ctx context.Context, v *vacuum.Vacuum) (interface{}, error) {
			return v.GetRooms(ctx)
		})
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("roborock.username", "roborock.password")
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(roomsCmd)
}

// doOneShot connects, runs fn once and prints its result as JSON
func doOneShot(fn func(ctx context.Context, v *vacuum.Vacuum) (interface{}, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("roborock.startup-timeout"))
	defer cancel()

	rb, err := discoverRobot(ctx)
	if err != nil {
		return err
	}
	defer rb.Close()

	if err := rb.openChannel(ctx, nil); err != nil {
		return err
	}

	cmdCtx, cmdCancel := context.WithTimeout(ctx, viper.GetDuration("roborock.command-timeout"))
	defer cmdCancel()

	result, err := fn(cmdCtx, rb.vacuum())
	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return err
	}

	fmt.Println(string(b))

	return nil
}
