package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	mqttbridge "github.com/moberhofer/OXYGEN-SDK-MQTT"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:], os.Stdout)
	case "tree":
		err = treeCommand(os.Args[2:], os.Stdout)
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		printUsage(os.Stdout)
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		logrus.Fatalf("mqtt-bridge %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to bridge configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := mqttbridge.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

// validateCommand checks the runtime config and, when one is referenced or
// given, the topic document.
func validateCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to runtime configuration file to validate")
	topicsPath := fs.String("topics", "", "Path to topic document to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgPath == "" && *topicsPath == "" {
		return fmt.Errorf("nothing to validate: pass -config and/or -topics")
	}

	if *cfgPath != "" {
		cfg, err := mqttbridge.LoadConfig(*cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "config %s looks good\n", *cfgPath)
		if *topicsPath == "" {
			*topicsPath = cfg.Bridge.ConfigFile
		}
	}
	if *topicsPath == "" {
		return nil
	}

	cfg, res, err := loadTopics(*topicsPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "topics %s looks good: %d subscriptions, %d publishers, %d regenerated ids\n",
		*topicsPath, len(cfg.Subscriptions()), len(cfg.Publishers()), res.Regenerated)
	return nil
}

func loadTopics(path string) (*topics.Configuration, topics.LoadResult, error) {
	raw, err := topics.LoadFileContent(path)
	if err != nil {
		return nil, topics.LoadResult{}, err
	}
	cfg := topics.NewConfiguration()
	res, err := cfg.Load(raw)
	if err != nil {
		return nil, topics.LoadResult{}, err
	}
	return cfg, res, nil
}

// treeCommand prints the channel tree a topic document materializes.
func treeCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tree", flag.ContinueOnError)
	topicsPath := fs.String("topics", "./data/topics.json", "Path to topic document")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadTopics(*topicsPath)
	if err != nil {
		return err
	}

	for _, t := range cfg.Subscriptions() {
		s := t.Subscribe.Sampling
		fmt.Fprintf(out, "%s  [subscribe %s%s]\n", t.Topic, s.Mode, rateSuffix(s))
		var last string
		err := t.Subscribe.ChannelMap.Walk(func(groups []string, leaf topics.ChannelConfiguration) error {
			indent := "  "
			if path := strings.Join(groups, "/"); path != "" {
				if path != last {
					fmt.Fprintf(out, "  %s/\n", path)
					last = path
				}
				indent = "    "
			}
			fmt.Fprintf(out, "%s%s  id=%s type=%s", indent, leaf.Name, leaf.ID, leaf.Datatype)
			if leaf.Path != "" {
				fmt.Fprintf(out, " path=%s", leaf.Path)
			}
			fmt.Fprintln(out)
			return nil
		})
		if err != nil {
			return err
		}
	}
	for _, t := range cfg.Publishers() {
		s := t.Publish.Sampling
		fmt.Fprintf(out, "%s  [publish %s%s]", t.Topic, s.Mode, rateSuffix(s))
		if t.Publish.InputChannel != nil {
			fmt.Fprintf(out, " input=%d", *t.Publish.InputChannel)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func rateSuffix(s topics.Sampling) string {
	if r := s.Rate(); r > 0 {
		return fmt.Sprintf(" @%gHz", r)
	}
	return ""
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var statsMetrics = []string{
	"bridge_messages_received_total",
	"bridge_samples_appended_total",
	"bridge_samples_dropped_total",
	"bridge_messages_published_total",
	"bridge_buffered_samples",
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scanMetrics(resp.Body, statsMetrics)
	if err != nil {
		return err
	}

	fmt.Printf("[%s] received=%.0f appended=%.0f dropped=%.0f published=%.0f buffered=%.0f\n",
		time.Now().Format(time.RFC3339),
		values[statsMetrics[0]],
		values[statsMetrics[1]],
		values[statsMetrics[2]],
		values[statsMetrics[3]],
		values[statsMetrics[4]],
	)
	return nil
}

// scanMetrics picks unlabelled samples of the named metrics out of the text
// exposition format.
func scanMetrics(r io.Reader, names []string) (map[string]float64, error) {
	targets := make(map[string]float64, len(names))
	for _, n := range names {
		targets[n] = 0
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	return targets, scanner.Err()
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `MQTT bridge CLI

Usage:
  mqtt-bridge <command> [flags]

Commands:
  run        Start the bridge using the provided config
  validate   Load and validate a config file and its topic document
  tree       Print the channel tree a topic document builds
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  mqtt-bridge run -config ./data/config.yaml
  mqtt-bridge validate -config ./data/config.yaml
  mqtt-bridge tree -topics ./data/topics.json
  mqtt-bridge stats -url http://localhost:9100/metrics -interval 1s
`)
}
