package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/reqcorr/pkg/models"
)

var (
	recordsChannel string
	recordsLimit   int
)

// recordsCmd represents the records command
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Query correlated request records",
	Long:  `Commands for listing completed and pending records from a running reqcorr server.`,
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List completed records, newest first",
	RunE:  runRecordsList,
}

var recordsGetCmd = &cobra.Command{
	Use:   "get <channel-id> <request-id>",
	Short: "Show one completed record",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecordsGet,
}

var recordsPendingCmd = &cobra.Command{
	Use:   "pending <channel-id>",
	Short: "List records of a channel still waiting for their response",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsPending,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsGetCmd)
	recordsCmd.AddCommand(recordsPendingCmd)

	recordsListCmd.Flags().StringVar(&recordsChannel, "channel", "", "only records of this channel")
	recordsListCmd.Flags().IntVar(&recordsLimit, "limit", 50, "maximum number of records (0 = all)")
}

func runRecordsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if recordsChannel != "" {
		q.Set("channel", recordsChannel)
	}
	q.Set("limit", strconv.Itoa(recordsLimit))

	return printRecords("/v1/records?"+q.Encode(), "No records")
}

func runRecordsPending(cmd *cobra.Command, args []string) error {
	return printRecords("/v1/channels/"+url.PathEscape(args[0])+"/pending", "No pending records")
}

func runRecordsGet(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/v1/channels/%s/records/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
	body, err := getJSON(path)
	if err != nil {
		return err
	}

	var rec models.RequestRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(rec)
	}

	fmt.Printf("Request:  %s (channel %s)\n", rec.RequestID, rec.ChannelID)
	fmt.Printf("Method:   %s\n", rec.Method)
	fmt.Printf("URL:      %s\n", rec.URL)
	fmt.Printf("Type:     %s\n", rec.ResourceType)
	if rec.Initiator != nil {
		fmt.Printf("Origin:   %s\n", *rec.Initiator)
	}
	if rec.StatusCode != 0 {
		fmt.Printf("Status:   %d\n", rec.StatusCode)
	}
	if rec.RequestBody != nil {
		fmt.Printf("Body:     %s\n", *rec.RequestBody)
	}
	for name, values := range rec.FormData {
		fmt.Printf("Form:     %s=%v\n", name, values)
	}

	printHeaders("Request headers", rec.RequestHeaders)
	printHeaders("Response headers", rec.ResponseHeaders)
	return nil
}

func printRecords(path, empty string) error {
	body, err := getJSON(path)
	if err != nil {
		return err
	}

	var recs []models.RequestRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Println(empty)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Channel", "Request", "Method", "Type", "Status", "Body", "URL")
	for _, rec := range recs {
		status := "-"
		if rec.StatusCode != 0 {
			status = strconv.Itoa(rec.StatusCode)
		}
		hasBody := "No"
		if rec.HasBody() {
			hasBody = "Yes"
		}
		table.Append(rec.ChannelID, rec.RequestID, rec.Method, rec.ResourceType, status, hasBody, truncate(rec.URL, 60))
	}
	table.Render()

	fmt.Printf("\nTotal records: %d\n", len(recs))
	return nil
}

func printHeaders(title string, headers []models.Header) {
	if len(headers) == 0 {
		return
	}
	fmt.Printf("\n%s:\n", title)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Value")
	for _, h := range headers {
		table.Append(h.Name, truncate(h.Value, 80))
	}
	table.Render()
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
