package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/strongroomfs/strongroom"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var (
	flagDir      string
	flagPassword string
	flagVerbose  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strongroom",
	Short: "Strongroom - client-side encrypted file vault",
	Long: `Strongroom stores files as individually encrypted containers under
opaque names. Every container carries its own file key, wrapped under a
master key derived from the vault password, so a password change only
re-wraps key material and never re-encrypts file bodies.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"strongroom version %s\nCommit: %s\n", Version, Commit,
	))

	rootCmd.PersistentFlags().StringVarP(&flagDir, "dir", "d", defaultVaultDir(), "vault directory")
	rootCmd.PersistentFlags().StringVarP(&flagPassword, "password", "p", "", "vault password (or STRONGROOM_PASSWORD)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(changePasswordCmd)
	rootCmd.AddCommand(shredCmd)

	putCmd.Flags().String("mime", "application/octet-stream", "MIME type recorded in container metadata")
	changePasswordCmd.Flags().String("new-password", "", "new vault password (or STRONGROOM_NEW_PASSWORD)")
}

func defaultVaultDir() string {
	if dir := os.Getenv("STRONGROOM_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strongroom"
	}
	return filepath.Join(home, ".strongroom")
}

func password() ([]byte, error) {
	if flagPassword != "" {
		return []byte(flagPassword), nil
	}
	if env := os.Getenv("STRONGROOM_PASSWORD"); env != "" {
		return []byte(env), nil
	}
	return nil, fmt.Errorf("no password given: use --password or STRONGROOM_PASSWORD")
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// openVault opens the vault rooted at --dir. Containers live under
// containers/ and vault state in state.db inside that directory.
func openVault() (*strongroom.Vault, error) {
	if err := os.MkdirAll(flagDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	logger := newLogger()
	cfg := &strongroom.Config{
		FS:           newOSFS(flagDir),
		ContainerDir: "containers",
		StatePath:    filepath.Join(flagDir, "state.db"),
		Logger:       &logger,
	}
	return strongroom.New(cfg)
}

// openUnlocked opens the vault and unlocks it with the given password.
func openUnlocked() (*strongroom.Vault, error) {
	v, err := openVault()
	if err != nil {
		return nil, err
	}
	pw, err := password()
	if err != nil {
		v.Close()
		return nil, err
	}
	if err := v.Unlock(pw); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		if ok, err := v.Initialized(); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("vault at %s is already initialized", flagDir)
		}

		pw, err := password()
		if err != nil {
			return err
		}
		if err := v.Setup(pw); err != nil {
			return err
		}
		fmt.Printf("Initialized vault at %s\n", flagDir)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		initialized, err := v.Initialized()
		if err != nil {
			return err
		}
		fmt.Printf("Vault:       %s\n", flagDir)
		fmt.Printf("Initialized: %v\n", initialized)
		if !initialized {
			return nil
		}
		pending, err := v.IsRotationInProgress()
		if err != nil {
			return err
		}
		fmt.Printf("Rotation:    pending=%v\n", pending)

		containers, err := v.List()
		if err != nil {
			return err
		}
		fmt.Printf("Containers:  %d\n", len(containers))
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List containers and their plaintext names",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openUnlocked()
		if err != nil {
			return err
		}
		defer v.Close()

		containers, err := v.List()
		if err != nil {
			return err
		}
		sort.Strings(containers)
		for _, c := range containers {
			meta, err := v.Stat(c)
			if err != nil {
				fmt.Printf("%s\t<unreadable: %v>\n", c, err)
				continue
			}
			fmt.Printf("%s\t%s\t%s\n", c, meta.Name, meta.Modified.Format(time.RFC3339))
		}
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Encrypt a file into the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openUnlocked()
		if err != nil {
			return err
		}
		defer v.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		mime, _ := cmd.Flags().GetString("mime")
		container, err := v.Put(filepath.Base(args[0]), mime, f)
		if err != nil {
			return err
		}
		fmt.Println(container)
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <container>",
	Short: "Decrypt a container to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openUnlocked()
		if err != nil {
			return err
		}
		defer v.Close()

		rc, _, err := v.Open(args[0])
		if err != nil {
			return err
		}
		defer rc.Close()

		_, err = io.Copy(os.Stdout, rc)
		return err
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <container>",
	Short: "Show a container's metadata without decrypting its body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openUnlocked()
		if err != nil {
			return err
		}
		defer v.Close()

		meta, err := v.Stat(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Name:     %s\n", meta.Name)
		fmt.Printf("MIME:     %s\n", meta.MIME)
		fmt.Printf("Modified: %s\n", meta.Modified.Format(time.RFC3339))
		return nil
	},
}

var changePasswordCmd = &cobra.Command{
	Use:   "change-password",
	Short: "Rotate the vault password",
	Long: `Rotate the vault password. Every container's wrapped file key and the
database key are re-wrapped under the new master key; file bodies are
not touched. The rotation is journaled and survives a crash at any
point: the next unlock completes or rolls back the interrupted run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		oldPw, err := password()
		if err != nil {
			return err
		}
		newPassword, _ := cmd.Flags().GetString("new-password")
		if newPassword == "" {
			newPassword = os.Getenv("STRONGROOM_NEW_PASSWORD")
		}
		if newPassword == "" {
			return fmt.Errorf("no new password given: use --new-password or STRONGROOM_NEW_PASSWORD")
		}

		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		if err := v.Unlock(oldPw); err != nil {
			return err
		}
		if err := v.ChangePassword(oldPw, []byte(newPassword)); err != nil {
			return err
		}
		fmt.Println("Password changed")
		return nil
	},
}

var shredCmd = &cobra.Command{
	Use:   "shred <container>",
	Short: "Overwrite and delete a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openUnlocked()
		if err != nil {
			return err
		}
		defer v.Close()

		if err := v.Shred(args[0]); err != nil {
			return err
		}
		fmt.Printf("Shredded %s\n", args[0])
		return nil
	},
}
