package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ringman3640/carla-platoon-system/internal/control"
	"github.com/Ringman3640/carla-platoon-system/internal/peer"
	"github.com/Ringman3640/carla-platoon-system/internal/relay"
	"github.com/Ringman3640/carla-platoon-system/internal/session"
	"github.com/Ringman3640/carla-platoon-system/internal/sim"
	"github.com/Ringman3640/carla-platoon-system/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "platoon",
	Short: "Vehicle platooning over a broadcast relay",
	Long: `platoon coordinates a convoy of simulated vehicles.

Every vehicle broadcasts its state through a central relay; followers keep a
target gap behind the vehicle ahead of them using only those broadcasts.

Run 'platoon relay' once, then 'platoon drive' per vehicle.`,
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// ─── relay ───────────────────────────────────────────────────────────────────

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the broadcast relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics")
		verbose, _ := cmd.Flags().GetBool("verbose")

		log, err := buildLogger(verbose)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		r := relay.New(relay.Config{Listen: listen, Log: log})
		if err := r.Start(); err != nil {
			return err
		}
		defer r.Close()

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.MetricsHandler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Warn("metrics listener stopped", zap.Error(err))
				}
			}()
			fmt.Printf("Metrics   : http://%s/metrics\n", metricsAddr)
		}
		fmt.Printf("Relay     : %s\n", r.Addr())
		fmt.Println("Press Ctrl-C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nRelay shutting down.")
		return nil
	},
}

// ─── drive ───────────────────────────────────────────────────────────────────

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Spawn one vehicle and control it interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		relayAddr, _ := cmd.Flags().GetString("relay")
		id, _ := cmd.Flags().GetString("id")
		gap, _ := cmd.Flags().GetFloat64("gap")
		speed, _ := cmd.Flags().GetFloat64("speed")
		tickMs, _ := cmd.Flags().GetInt("tick")
		slot, _ := cmd.Flags().GetInt("slot")
		autoJoin, _ := cmd.Flags().GetBool("join")
		verbose, _ := cmd.Flags().GetBool("verbose")

		log, err := buildLogger(verbose)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		if id == "" {
			id = uuid.NewString()[:8]
		}

		world := sim.NewWorld(sim.DefaultConfig())
		world.Start()
		defer world.Close()
		veh := world.SpawnAt(slot)

		link := peer.NewClient(peer.Config{Addr: relayAddr, Log: log})
		if err := link.Connect(context.Background()); err != nil {
			return err
		}

		sess, err := session.New(session.Config{
			ID:      id,
			Link:    link,
			Vehicle: veh,
			Tick:    time.Duration(tickMs) * time.Millisecond,
			Control: control.Config{TargetGap: gap, TargetSpeed: speed},
			Log:     log,
		})
		if err != nil {
			return err
		}

		fmt.Printf("\n")
		fmt.Printf("  Vehicle   : %s (formation slot %d)\n", id, slot)
		fmt.Printf("  Relay     : %s\n", relayAddr)
		fmt.Printf("  Target    : gap %.1fm, speed %.1fm/s\n\n", gap, speed)
		fmt.Printf("  Commands:\n")
		fmt.Printf("    join             — join the platoon (tail position)\n")
		fmt.Printf("    leave            — leave the platoon and exit\n")
		fmt.Printf("    gap <meters>     — set target following distance\n")
		fmt.Printf("    speed <m/s>      — set leader target speed\n")
		fmt.Printf("    status           — show role and membership\n\n")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		runErr := make(chan error, 1)
		go func() { runErr <- sess.Run(ctx) }()

		go console(sess)
		if autoJoin {
			sess.Join() //nolint:errcheck
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-runErr:
			if err != nil {
				// Unrecoverable connection or vehicle failure: non-zero exit.
				return err
			}
			fmt.Println("Left the platoon.")
			return nil
		case <-sig:
			fmt.Println("\nLeaving platoon.")
			sess.Leave() //nolint:errcheck
			select {
			case err := <-runErr:
				return err
			case <-time.After(3 * time.Second):
				cancel()
				return <-runErr
			}
		}
	},
}

// console reads operator commands from stdin and forwards them to the
// session's command queue. It never touches session state directly.
func console(sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.Fields(line)
		switch parts[0] {
		case "join":
			if err := sess.Join(); err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Println("✓ join requested")
			}
		case "leave":
			sess.Leave() //nolint:errcheck
			return
		case "gap":
			if v, ok := parseValue(parts, "gap <meters>"); ok {
				sess.SetTargetGap(v) //nolint:errcheck
				fmt.Printf("✓ target gap %.1fm\n", v)
			}
		case "speed":
			if v, ok := parseValue(parts, "speed <m/s>"); ok {
				sess.SetTargetSpeed(v) //nolint:errcheck
				fmt.Printf("✓ target speed %.1fm/s\n", v)
			}
		case "status":
			st := sess.Status()
			fmt.Printf("role: %s  members: %v  gap: %.1fm  speed: %.1fm/s\n",
				st.Role, st.Members, st.TargetGap, st.TargetSpeed)
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
		fmt.Print("> ")
	}
}

func parseValue(parts []string, usage string) (float64, bool) {
	if len(parts) < 2 {
		fmt.Printf("usage: %s\n", usage)
		return 0, false
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || v < 0 {
		fmt.Printf("invalid value %q\n", parts[1])
		return 0, false
	}
	return v, true
}

func init() {
	relayCmd.Flags().String("listen", "0.0.0.0:52384", "TCP listen address for peer connections")
	relayCmd.Flags().String("metrics", "", "HTTP address for prometheus /metrics (empty = disabled)")
	relayCmd.Flags().Bool("verbose", false, "Verbose logging")

	driveCmd.Flags().String("relay", "127.0.0.1:52384", "Relay address (host:port)")
	driveCmd.Flags().String("id", "", "Vehicle id (default: random)")
	driveCmd.Flags().Float64("gap", 10, "Target following distance, meters")
	driveCmd.Flags().Float64("speed", 15, "Leader target speed, m/s")
	driveCmd.Flags().Int("tick", 50, "Control period, milliseconds")
	driveCmd.Flags().Int("slot", 0, "Formation spawn slot (0 = front)")
	driveCmd.Flags().Bool("join", false, "Join the platoon immediately")
	driveCmd.Flags().Bool("verbose", false, "Verbose logging")

	rootCmd.AddCommand(relayCmd, driveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, peer.ErrDisconnected) || errors.Is(err, peer.ErrConnectFailed) {
			fmt.Fprintf(os.Stderr, "connection failure: %v\n", err)
			os.Exit(2)
		}
		os.Exit(1)
	}
}
