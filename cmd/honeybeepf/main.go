/*
Copyright (c) Meta Platforms, Inc. and its affiliates.
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
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jundorok/honeybeepf/internal/config"
	"github.com/jundorok/honeybeepf/internal/controller"
	"github.com/jundorok/honeybeepf/internal/identity"
	"github.com/jundorok/honeybeepf/internal/logging"
	"github.com/jundorok/honeybeepf/internal/telemetry"
)

// rootCmd is the agent's single entry point. Unlike the teacher's
// dnswatch, which exposes snoop/top/sql/exporter subcommands for
// interactive querying, this agent has exactly one mode of operation:
// attach, drain, export. There is nothing to subcommand.
var rootCmd = &cobra.Command{
	Use:   "honeybeepf",
	Short: "eBPF-based host observability agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(verbose)
	},
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable info-level logging (default is warn)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(verbose bool) error {
	logging.Configure(verbose)

	cfg := config.Load()

	ctx := context.Background()

	facade, err := telemetry.New(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}

	resolver := buildResolver(ctx, cfg)

	c := controller.New(cfg, facade, resolver)
	if err := c.Start(); err != nil {
		return fmt.Errorf("controller start: %w", err)
	}

	return c.Run(ctx)
}

// buildResolver wires up the identity resolver when a node name is
// available to scope the pod watcher to. Identity enrichment is best
// effort: a pod-store construction failure is logged and the agent
// proceeds without pod/workload attributes rather than refusing to
// start, since probing and telemetry export do not depend on it.
func buildResolver(ctx context.Context, cfg config.Settings) *identity.Resolver {
	if cfg.NodeName == "" {
		log.Warn("no node name resolved, identity enrichment disabled")
		return nil
	}

	store, err := identity.NewPodStore(cfg.NodeName)
	if err != nil {
		log.Warnf("identity: pod store init failed, enrichment disabled: %v", err)
		return nil
	}

	go store.Run(ctx)
	if !store.WaitForCacheSync(ctx) {
		log.Warn("identity: pod store cache sync did not complete before startup continued")
	}

	return identity.NewResolver(store)
}
