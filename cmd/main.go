/*
Copyright 2025 Crosspost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sovani/crosspost"
	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/database"
	"github.com/sovani/crosspost/internal/notification"
)

// Crosspost represents the CLI application, encapsulating the root Cobra command.
type Crosspost struct {
	cmd *cobra.Command
}

// crosspostInstance holds the dispatch core and its configuration for the
// lifetime of a command.
type crosspostInstance struct {
	core *crosspost.Crosspost
	cnf  *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the dispatch core before
// running any command.
func preRun(app *crosspostInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("crosspost.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		core, err := setupCore(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.core = core
		app.cnf = cnf

		return nil
	}
}

// setupCore creates the dispatch core on top of a connected data source.
func setupCore(cfg *config.Configuration) (*crosspost.Crosspost, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "error getting datasource")
	}

	core, err := crosspost.NewCrosspost(db)
	if err != nil {
		return nil, errors.Wrap(err, "error creating dispatch core")
	}
	return core, nil
}

// NewCLI creates the command-line interface for the crosspost application.
func NewCLI() *Crosspost {
	var configFile string
	b := &crosspostInstance{}

	var rootCmd = &cobra.Command{
		Use:   "crosspost",
		Short: "Content publishing dispatch core",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./crosspost.json", "Configuration file for the dispatch core")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &Crosspost{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Crosspost) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
