package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/globals"
	"github.com/parley-chat/parley/persistence"
	"github.com/parley-chat/parley/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// A very simple CLI tool for the administration of parley rooms and users.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	printJSON := func(val interface{}) {
		raw, err := json.Marshal(val)
		if err != nil {
			globals.AppLogger.Error("could not marshal output", "error", err)
			return
		}
		fmt.Println(string(raw))
	}

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms or users",
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all available rooms.`,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints detail information about the room with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.GetRoom(ctx, &room); err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show users",
		Long:  `show users lists all known users.`,
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			printJSON(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show user",
		Long:  `show user prints detail information about the user with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			if err := persister.GetUser(ctx, &user); err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			printJSON(user)
		},
	}
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowUsers, cmdShowUser)

	var roomName, roomDescription, roomOwner string
	var roomPrivate bool
	var cmdCreateRoom = &cobra.Command{
		Use:   "create-room [room id]",
		Short: "Create a room",
		Long:  `create-room stores a new room; the owner is always entered into the member set.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if roomOwner == "" {
				globals.AppLogger.Error("an owner is required")
				return
			}
			name := roomName
			if name == "" {
				name = args[0]
			}
			room := types.Room{
				Id:          args[0],
				Name:        name,
				Description: roomDescription,
				IsPrivate:   roomPrivate,
				OwnerId:     roomOwner,
				Members:     types.JSONStringSlice{roomOwner},
				CreatedAt:   time.Now().UTC(),
			}
			if err := persister.StoreRoom(ctx, room); err != nil {
				globals.AppLogger.Error("could not store room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	cmdCreateRoom.Flags().StringVar(&roomName, "name", "", "room display name")
	cmdCreateRoom.Flags().StringVar(&roomDescription, "description", "", "room description")
	cmdCreateRoom.Flags().StringVar(&roomOwner, "owner", "", "owner user id")
	cmdCreateRoom.Flags().BoolVar(&roomPrivate, "private", false, "whether the room is invite-only")

	var cmdDeleteRoom = &cobra.Command{
		Use:   "delete-room [room id]",
		Short: "Delete a room",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.DeleteRoom(ctx, &room); err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
			}
		},
	}

	var cmdAddMember = &cobra.Command{
		Use:   "add-member [room id] [user id]",
		Short: "Add a user to a room",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := persister.AddRoomMember(ctx, args[0], args[1]); err != nil {
				globals.AppLogger.Error("could not add member", "error", err)
			}
		},
	}
	var cmdRemoveMember = &cobra.Command{
		Use:   "remove-member [room id] [user id]",
		Short: "Remove a user from a room",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.GetRoom(ctx, &room); err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			if room.OwnerId == args[1] {
				globals.AppLogger.Error("the owner cannot be removed from a room")
				return
			}
			if err := persister.RemoveRoomMember(ctx, args[0], args[1]); err != nil {
				globals.AppLogger.Error("could not remove member", "error", err)
			}
		},
	}

	rootCmd := &cobra.Command{Use: "parley-admin"}
	rootCmd.AddCommand(cmdShow, cmdCreateRoom, cmdDeleteRoom, cmdAddMember, cmdRemoveMember)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
