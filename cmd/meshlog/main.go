package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/spf13/cobra"

	"github.com/meshlog/meshlog/internal/alert"
	"github.com/meshlog/meshlog/internal/config"
	"github.com/meshlog/meshlog/internal/entry"
	"github.com/meshlog/meshlog/internal/envelope"
	"github.com/meshlog/meshlog/internal/identity"
	"github.com/meshlog/meshlog/internal/logstore"
	"github.com/meshlog/meshlog/internal/p2p"
	"github.com/meshlog/meshlog/internal/peerstore"
	"github.com/meshlog/meshlog/internal/syncer"
	"github.com/meshlog/meshlog/internal/verify"
)

var (
	cfgFile    string
	seedPhrase string
	sealFlag   bool
	authorFlag string
	filterFlag string
)

var rootCmd = &cobra.Command{
	Use:   "meshlog",
	Short: "Meshlog - Sovereign Replicated Log",
	Long:  `A self-sovereign append-only log with signed entries, replicated over git remotes and peer connections`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "meshlog.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(p2pCmd)
	rootCmd.AddCommand(statusCmd)

	remoteCmd.AddCommand(remoteAddCmd)
	remoteCmd.AddCommand(remoteListCmd)
	p2pCmd.AddCommand(listenCmd)
	p2pCmd.AddCommand(connectCmd)
	p2pCmd.AddCommand(peersCmd)

	initCmd.Flags().StringVar(&seedPhrase, "seed", "", "recover an identity from a 24-word seed phrase")
	postCmd.Flags().BoolVar(&sealFlag, "seal", false, "encrypt the entry before storing it")
	showCmd.Flags().StringVar(&authorFlag, "author", "", "only show entries from partitions matching this fingerprint prefix")
	connectCmd.Flags().StringVar(&filterFlag, "filter", "", "only request partitions matching this fingerprint prefix")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("meshlog v0.1.0-alpha")
		fmt.Println("Sovereign Replicated Log")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new identity and log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if _, err := identity.Load(cfg.Node.DataDir); err == nil {
			return fmt.Errorf("an identity already exists in %s", cfg.Node.DataDir)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		var id *identity.Identity
		if seedPhrase != "" {
			id, err = identity.FromMnemonic(seedPhrase)
			if err != nil {
				return fmt.Errorf("failed to recover identity: %w", err)
			}
			fmt.Println("Recovered identity from seed phrase")
		} else {
			id, err = identity.Generate()
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}
			fmt.Println("Generated new identity. Your seed phrase is:")
			fmt.Println()
			fmt.Printf("  %s\n", id.Mnemonic())
			fmt.Println()
			fmt.Println("⚠️  Write these 24 words down. They are the only way to recover this identity.")
		}

		if err := id.Save(cfg.Node.DataDir); err != nil {
			return fmt.Errorf("failed to save identity: %w", err)
		}

		if _, err := logstore.Open(cfg.RepoPath()); err != nil {
			return fmt.Errorf("failed to initialize log: %w", err)
		}

		fmt.Printf("Fingerprint: %s\n", id.Fingerprint())
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Log repository: %s\n", cfg.RepoPath())

		return nil
	},
}

var postCmd = &cobra.Command{
	Use:   "post <message>",
	Short: "Sign and append an entry to your log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, id, store, err := openNode()
		if err != nil {
			return err
		}

		e := entry.Build(args[0], id)
		data, err := e.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		p := logstore.Partition{Fingerprint: id.Fingerprint()}
		when := e.When()

		if sealFlag {
			key, err := id.SealingKey()
			if err != nil {
				return fmt.Errorf("failed to derive sealing key: %w", err)
			}
			env, err := envelope.Seal(data, key, id.PublicKey())
			if err != nil {
				return fmt.Errorf("failed to seal entry: %w", err)
			}
			data, err = env.Marshal()
			if err != nil {
				return fmt.Errorf("failed to marshal envelope: %w", err)
			}
			p.Sealed = true
			when = env.Timestamp
		}

		if _, err := store.Append(p, data, when); err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}

		if sealFlag {
			fmt.Printf("🔒 Sealed entry appended to %s\n", p)
		} else {
			fmt.Printf("Entry appended to %s\n", p)
		}
		return nil
	},
}

// shownEntry is one verified line of show output, from any partition.
type shownEntry struct {
	when   time.Time
	result verify.Result
	sealed bool
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display log entries from all partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, id, store, err := openNode()
		if err != nil {
			return err
		}

		partitions, err := store.Partitions()
		if err != nil {
			return fmt.Errorf("failed to list partitions: %w", err)
		}

		var shown []shownEntry
		for _, p := range partitions {
			if authorFlag != "" && !strings.HasPrefix(p.Fingerprint, authorFlag) {
				continue
			}

			if p.Sealed {
				if p.Fingerprint != id.Fingerprint() {
					envs, _, _, err := store.Envelopes(p)
					if err != nil {
						return fmt.Errorf("failed to read partition %s: %w", p, err)
					}
					if len(envs) > 0 {
						fmt.Printf("🔒 %s holds %d sealed entries we cannot open\n", p, len(envs))
					}
					continue
				}

				key, err := id.SealingKey()
				if err != nil {
					return fmt.Errorf("failed to derive sealing key: %w", err)
				}
				envs, names, _, err := store.Envelopes(p)
				if err != nil {
					return fmt.Errorf("failed to read partition %s: %w", p, err)
				}
				for i, env := range envs {
					plaintext, err := env.Open(key)
					if err != nil {
						fmt.Printf("❌ %s/%s: %v\n", p, names[i], err)
						continue
					}
					e, err := entry.Unmarshal(plaintext)
					if err != nil {
						fmt.Printf("❌ %s/%s: sealed payload is not an entry\n", p, names[i])
						continue
					}
					r := verify.InPartition(e, p.Fingerprint)
					r.Object = names[i]
					shown = append(shown, shownEntry{when: e.When(), result: r, sealed: true})
				}
				continue
			}

			results, skipped, err := store.Entries(p)
			if err != nil {
				return fmt.Errorf("failed to read partition %s: %w", p, err)
			}
			if skipped > 0 {
				fmt.Printf("⚠️  %s: skipped %d unrecognizable objects\n", p, skipped)
			}
			for _, r := range results {
				shown = append(shown, shownEntry{when: r.Entry.When(), result: r})
			}
		}

		sort.Slice(shown, func(i, j int) bool { return shown[i].when.Before(shown[j].when) })

		for _, s := range shown {
			marker := "  "
			if s.sealed {
				marker = "🔒"
			}
			author := s.result.Entry.Author
			if len(author) > identity.FingerprintLen {
				author = author[:identity.FingerprintLen]
			}
			fmt.Printf("%s [%s] %s: %s\n", marker, s.when.Local().Format("2006-01-02 15:04"), author, s.result.Entry.Content)
			if s.result.Status != verify.Trusted {
				fmt.Printf("   ⚠️  UNTRUSTED: %s\n", s.result.Reason)
			}
		}

		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch, merge, and push against every configured remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, store, err := openNode()
		if err != nil {
			return err
		}

		peers, err := peerstore.New(cfg.PeerDBPath())
		if err != nil {
			return fmt.Errorf("failed to open peer store: %w", err)
		}
		defer peers.Close()

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		engine := syncer.New(store, id.Fingerprint(), logger)
		statuses, err := engine.Sync(context.Background())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if len(statuses) == 0 {
			fmt.Println("No remotes configured. Add one with: meshlog remote add <name> <url>")
			return nil
		}

		for _, st := range statuses {
			if err := peers.RecordSync(st.Remote, st.Err); err != nil {
				return fmt.Errorf("failed to record sync state: %w", err)
			}
			if st.Failed() {
				fmt.Printf("❌ %s: %v\n", st.Remote, st.Err)
				if err := alerts.SendSyncFailureAlert(st.Remote, st.Err.Error()); err != nil {
					fmt.Fprintf(os.Stderr, "failed to send alert: %v\n", err)
				}
				continue
			}
			fmt.Printf("✅ %s: %d adopted, %d fast-forwarded, %d merged, %d up to date\n",
				st.Remote, st.Adopted, st.FastForwarded, st.Merged, st.UpToDate)
		}

		return nil
	},
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage sync remotes",
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add a remote to sync with",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, store, err := openNode()
		if err != nil {
			return err
		}

		_, err = store.Repository().CreateRemote(&gitconfig.RemoteConfig{
			Name: args[0],
			URLs: []string{args[1]},
		})
		if err != nil {
			return fmt.Errorf("failed to add remote: %w", err)
		}

		fmt.Printf("Added remote %s -> %s\n", args[0], args[1])
		return nil
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured remotes",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, store, err := openNode()
		if err != nil {
			return err
		}

		remotes, err := store.Repository().Remotes()
		if err != nil {
			return fmt.Errorf("failed to list remotes: %w", err)
		}
		if len(remotes) == 0 {
			fmt.Println("No remotes configured")
			return nil
		}
		for _, r := range remotes {
			c := r.Config()
			for _, url := range c.URLs {
				fmt.Printf("%s\t%s\n", c.Name, url)
			}
		}
		return nil
	},
}

var p2pCmd = &cobra.Command{
	Use:   "p2p",
	Short: "Exchange entries directly with peers",
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Serve the log to connecting peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, store, err := openNode()
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		server := p2p.NewServer(cfg.P2P.ListenAddr, id.PublicKeyHex(), store, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("failed to start listener: %w", err)
		}

		fmt.Printf("Listening on %s as %s. Press Ctrl+C to stop.\n", server.Addr(), id.Fingerprint())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		cancel()
		server.Stop()
		fmt.Println("Listener stopped")
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Exchange entries with a listening peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, store, err := openNode()
		if err != nil {
			return err
		}

		peers, err := peerstore.New(cfg.PeerDBPath())
		if err != nil {
			return fmt.Errorf("failed to open peer store: %w", err)
		}
		defer peers.Close()

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		client, err := p2p.Dial(args[0], id.PublicKeyHex())
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer client.Close()

		fmt.Printf("Connected to %s\n", identity.Fingerprint(client.PeerPubkey()))
		if err := peers.TouchPeer(client.PeerPubkey(), args[0]); err != nil {
			return fmt.Errorf("failed to record peer: %w", err)
		}

		bundles, err := client.RequestMemories(filterFlag)
		if err != nil {
			return fmt.Errorf("failed to request entries: %w", err)
		}
		added, violations, err := p2p.ImportBundles(store, bundles)
		if err != nil {
			return fmt.Errorf("failed to import entries: %w", err)
		}
		for _, v := range violations {
			fmt.Printf("❌ rejected: %v\n", v)
			if err := alerts.SendIntegrityAlert(v.Partition, v.Object, string(v.Reason)); err != nil {
				fmt.Fprintf(os.Stderr, "failed to send alert: %v\n", err)
			}
		}
		fmt.Printf("⬇️  Received %d new entries\n", added)

		outbound, err := p2p.CollectBundles(store, id.Fingerprint())
		if err != nil {
			return fmt.Errorf("failed to collect entries: %w", err)
		}
		if len(outbound) > 0 {
			if err := client.SendBundles(outbound); err != nil {
				return fmt.Errorf("failed to send entries: %w", err)
			}
			fmt.Printf("⬆️  Sent %d partitions\n", len(outbound))
		}

		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		peers, err := peerstore.New(cfg.PeerDBPath())
		if err != nil {
			return fmt.Errorf("failed to open peer store: %w", err)
		}
		defer peers.Close()

		known, undecodable, err := peers.ListPeers()
		if err != nil {
			return fmt.Errorf("failed to list peers: %w", err)
		}
		if undecodable > 0 {
			fmt.Printf("⚠️  %d peer records could not be decoded\n", undecodable)
		}
		if len(known) == 0 {
			fmt.Println("No known peers")
			return nil
		}
		for _, p := range known {
			fmt.Printf("%s\t%s\tlast seen %s\n",
				identity.Fingerprint(p.Pubkey), p.Address, p.LastSeen.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, store, err := openNode()
		if err != nil {
			return err
		}

		fmt.Printf("Fingerprint: %s\n", id.Fingerprint())
		fmt.Printf("Public key: %s\n", id.PublicKeyHex())
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)

		partitions, err := store.Partitions()
		if err != nil {
			return fmt.Errorf("failed to list partitions: %w", err)
		}

		fmt.Printf("\nPartitions:\n")
		if len(partitions) == 0 {
			fmt.Println("  (none)")
		}
		for _, p := range partitions {
			if p.Sealed {
				envs, _, skipped, err := store.Envelopes(p)
				if err != nil {
					return fmt.Errorf("failed to read partition %s: %w", p, err)
				}
				fmt.Printf("  🔒 %s: %d sealed entries", p, len(envs))
				if skipped > 0 {
					fmt.Printf(", %d unrecognizable", skipped)
				}
				fmt.Println()
				continue
			}

			results, skipped, err := store.Entries(p)
			if err != nil {
				return fmt.Errorf("failed to read partition %s: %w", p, err)
			}
			untrusted := 0
			for _, r := range results {
				if r.Status != verify.Trusted {
					untrusted++
				}
			}
			fmt.Printf("  - %s: %d entries", p, len(results))
			if untrusted > 0 {
				fmt.Printf(", ❌ %d UNTRUSTED", untrusted)
			}
			if skipped > 0 {
				fmt.Printf(", %d unrecognizable", skipped)
			}
			fmt.Println()
		}

		remotes, err := store.Repository().Remotes()
		if err != nil {
			return fmt.Errorf("failed to list remotes: %w", err)
		}
		fmt.Printf("\nRemotes:\n")
		if len(remotes) == 0 {
			fmt.Println("  (none)")
		}

		peers, err := peerstore.New(cfg.PeerDBPath())
		if err != nil {
			return fmt.Errorf("failed to open peer store: %w", err)
		}
		defer peers.Close()

		for _, r := range remotes {
			c := r.Config()
			fmt.Printf("  - %s (%s)", c.Name, c.URLs[0])
			if state, err := peers.GetSyncState(c.Name); err == nil {
				if state.LastError != "" {
					fmt.Printf(" ❌ last sync failed: %s", state.LastError)
				} else {
					fmt.Printf(" ✅ last synced %s", state.LastAttempt.Local().Format("2006-01-02 15:04"))
				}
			}
			fmt.Println()
		}

		return nil
	},
}

// openNode loads the config, the saved identity, and the log repository.
func openNode() (*config.Config, *identity.Identity, *logstore.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	id, err := identity.Load(cfg.Node.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load identity from %s: %w", cfg.Node.DataDir, err)
	}

	store, err := logstore.Open(cfg.RepoPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open log: %w", err)
	}

	return cfg, id, store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
