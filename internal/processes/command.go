// Copyright 2025 go-dataspace
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package processes contains the processes subcommands, which inspect the
// negotiations and transfers in a RUN-SIG database. They open the database
// directly and are meant to be run while the server is down.
package processes

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	noColour    bool
	printJSON   bool
	dbPath      string
	stateFilter string

	// Command is the processes subcommand, the base of all process
	// inspection subcommands.
	Command = &cobra.Command{
		Use:   "processes",
		Short: "Inspect stored dataspace processes",
		Long:  `Inspect the contract negotiations and transfers in the RUN-SIG database.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Fall back to the server's configured database location.
			if dbPath == "" {
				dbPath = viper.GetString("storage.path")
			}
			if dbPath == "" {
				return fmt.Errorf("no storage path configured")
			}
			if noColour {
				color.NoColor = true
			}
			return nil
		},
	}

	listCommand = &cobra.Command{
		Use:   "list",
		Short: "List all negotiations and transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store persistence.StorageProvider) error {
				return listProcesses(ctx, store, printJSON, stateFilter)
			})
		},
	}

	showCommand = &cobra.Command{
		Use:   "show <process-id>",
		Short: "Show a single negotiation or transfer in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid process ID %s: %w", args[0], err)
			}
			return withStore(func(ctx context.Context, store persistence.StorageProvider) error {
				return showProcess(ctx, store, pid)
			})
		},
	}
)

func init() {
	Command.PersistentFlags().StringVar(&dbPath, "storage-path", "", "Directory for the badger database")
	Command.PersistentFlags().BoolVar(&noColour, "no-colour", false, "Disable colour in output.")
	Command.PersistentFlags().BoolVar(&printJSON, "json", false, "Output as JSON.")
	listCommand.Flags().StringVar(&stateFilter, "state", "",
		"Only list processes in this state, e.g. dspace:REQUESTED.")
	Command.AddCommand(listCommand)
	Command.AddCommand(showCommand)
}

func withStore(f func(ctx context.Context, store persistence.StorageProvider) error) error {
	ctx, ok := viper.Get("initCTX").(context.Context)
	if !ok {
		return fmt.Errorf("couldn't fetch initial context")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	store, err := badger.New(ctx, false, dbPath)
	if err != nil {
		return fmt.Errorf("couldn't open database: %w", err)
	}
	return f(ctx, store)
}
