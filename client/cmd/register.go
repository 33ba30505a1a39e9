package cmd

import (
	"context"
	"fmt"

	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/client/lib"
	"github.com/pixiserve/pixisync/shared"

	"github.com/spf13/cobra"
)

var (
	registerUser    *string
	registerServer  *string
	registerLibrary *string
	registerName    *string
	registerType    *string
)

var registerCmd = &cobra.Command{
	Use:     "register",
	Short:   "Register this device with a pixisync server",
	Long:    "Safe to run again, for example after moving the library or renaming the device. The device id is kept.",
	GroupID: GROUP_ID_CONFIG,
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lib.CheckFatalError(hctx.InitConfig())
		config, err := hctx.GetConfig()
		lib.CheckFatalError(err)
		info, err := lib.Register(context.Background(), &config, lib.RegisterOptions{
			UserId:      *registerUser,
			ServerURL:   *registerServer,
			LibraryRoot: *registerLibrary,
			DeviceName:  *registerName,
			DeviceType:  shared.DeviceType(*registerType),
		})
		lib.CheckFatalError(err)
		fmt.Printf("Registered %s (%s) with %s\n", info.DeviceName, info.DeviceId, config.ServerURL)
		if config.LibraryRoot == "" {
			fmt.Println("No media library configured yet, set one with `pixisync config-set library-root <path>`")
		}
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerUser = registerCmd.Flags().String("user", "", "The user this device belongs to (required the first time)")
	registerServer = registerCmd.Flags().String("server", "", "The pixisync server URL")
	registerLibrary = registerCmd.Flags().String("library", "", "The directory holding this device's photos and videos")
	registerName = registerCmd.Flags().String("name", "", "A display name for this device (defaults to the hostname)")
	registerType = registerCmd.Flags().String("type", "", "One of android, ios, web, desktop")
}
