// Command dagschedctl is a cobra CLI talking to dagschedd's HTTP API
// (grounded in the divinesense and scriptweaver examples' cmd/<name>
// cobra+viper layout).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "dagschedctl",
	Short: "Control client for the dagsched scheduler service",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "http://localhost:8080", "dagschedd HTTP address")
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	viper.SetDefault("addr", "http://localhost:8080")
	viper.SetEnvPrefix("dagschedctl")
	viper.AutomaticEnv()

	rootCmd.AddCommand(submitCmd, cancelJobCmd, cancelStageCmd, statusCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <job.json>",
	Short: "Submit a job graph described as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		resp, err := http.Post(viper.GetString("addr")+"/v1/jobs", "application/json", bytes.NewReader(data))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return printResponse(resp)
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel-job <job-id>",
	Short: "Cancel an active job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		url := fmt.Sprintf("%s/v1/jobs/%s?reason=%s", viper.GetString("addr"), args[0], reason)
		req, err := http.NewRequest(http.MethodDelete, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return printResponse(resp)
	},
}

var cancelStageCmd = &cobra.Command{
	Use:   "cancel-stage <stage-id>",
	Short: "Abort a stage and everything depending on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		body, _ := json.Marshal(map[string]string{"reason": reason})
		url := fmt.Sprintf("%s/v1/stages/%s/cancel", viper.GetString("addr"), args[0])
		resp, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return printResponse(resp)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a completed job's history record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("%s/v1/jobs/%s/history", viper.GetString("addr"), args[0])
		resp, err := http.Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return printResponse(resp)
	},
}

func init() {
	cancelJobCmd.Flags().String("reason", "cancelled via cli", "cancellation reason")
	cancelStageCmd.Flags().String("reason", "cancelled via cli", "cancellation reason")
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	fmt.Println(string(body))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
