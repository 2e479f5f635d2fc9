package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "face-attendance",
	Short: "A biometric attendance service built on face embeddings",
	Long: `Face Attendance matches face embeddings against enrolled identities and
turns accepted matches into attendance records. Embedding extraction and
liveness scoring run in an external service; this binary owns the quality
gate, the matcher, task orchestration and the attendance ledger.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
