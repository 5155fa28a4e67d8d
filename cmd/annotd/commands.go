package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/annotd/internal/assign"
	"github.com/kalambet/annotd/internal/config"
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/progress"
	"github.com/kalambet/annotd/internal/storage"
)

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func withQuery(path string, q url.Values) string {
	if enc := q.Encode(); enc != "" {
		return path + "?" + enc
	}
	return path
}

// --- store ---

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage registered document stores",
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listStores(cmd.Context(), client, os.Stdout)
	},
}

func listStores(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/stores")
	if err != nil {
		return err
	}
	var stores []storage.StoreRecord
	if err := decodeJSON(resp, &stores); err != nil {
		return err
	}
	if len(stores) == 0 {
		fmt.Fprintln(w, "No stores registered.")
		return nil
	}
	for _, s := range stores {
		fmt.Fprintf(w, "%s  %s/%s  %s  %s\n",
			colorize(colorCyan, s.ID),
			s.StoreID, s.ContainerID,
			s.Name,
			docstore.Redact(s.URI),
		)
	}
	return nil
}

var storeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a store",
	Long: `Register a store.

Examples:
  annotd store add --uri mongodb://db:27017 --store-id annotations --container conversations --name Prod
  annotd store add --uri sqlite:/data/review.db --store-id review --container conversations --name Review`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var d storage.StoreDescriptor
		d.URI, _ = cmd.Flags().GetString("uri")
		d.StoreID, _ = cmd.Flags().GetString("store-id")
		d.ContainerID, _ = cmd.Flags().GetString("container")
		d.Name, _ = cmd.Flags().GetString("name")
		if err := d.Validate(); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rec, err := addStore(cmd.Context(), client, d)
		if err != nil {
			return err
		}
		printSuccess("Registered store %s (%s)", rec.StoreID, rec.ID)
		return nil
	},
}

func addStore(ctx context.Context, client *apiClient, d storage.StoreDescriptor) (storage.StoreRecord, error) {
	var rec storage.StoreRecord
	resp, err := client.post(ctx, "/stores", d)
	if err != nil {
		return rec, err
	}
	err = decodeJSON(resp, &rec)
	return rec, err
}

var storeRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Unregister a store by its registry id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/stores/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed store %s", args[0])
		return nil
	},
}

var storeUseCmd = &cobra.Command{
	Use:   "use <storeId>",
	Short: "Switch the active store, globally or for one user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		title, _ := cmd.Flags().GetString("assignment")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		active, err := switchStore(cmd.Context(), client, args[0], userID, title)
		if err != nil {
			return err
		}
		if userID != "" {
			printSuccess("User %s now uses store %s", userID, active)
		} else {
			printSuccess("Active store is now %s", active)
		}
		return nil
	},
}

// switchStore returns the storeId bound after the switch.
func switchStore(ctx context.Context, client *apiClient, storeID, userID, title string) (string, error) {
	if userID != "" {
		resp, err := client.post(ctx, "/users/"+url.PathEscape(userID)+"/store", map[string]string{
			"storeId":         storeID,
			"assignmentTitle": title,
		})
		if err != nil {
			return "", err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return "", err
		}
		return out["storeId"], nil
	}

	resp, err := client.get(ctx, "/stores")
	if err != nil {
		return "", err
	}
	var stores []storage.StoreRecord
	if err := decodeJSON(resp, &stores); err != nil {
		return "", err
	}
	for _, s := range stores {
		if s.StoreID != storeID {
			continue
		}
		resp, err := client.post(ctx, "/stores/active", s.StoreDescriptor)
		if err != nil {
			return "", err
		}
		var active storage.StoreDescriptor
		if err := decodeJSON(resp, &active); err != nil {
			return "", err
		}
		return active.StoreID, nil
	}
	return "", fmt.Errorf("store %q is not registered", storeID)
}

var storeActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the active store",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), withQuery("/stores/active", url.Values{"user": {userID}}))
		if err != nil {
			return err
		}
		var d storage.StoreDescriptor
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		printStatus("Store", "%s", d.StoreID)
		printStatus("Container", "%s", d.ContainerID)
		printStatus("Name", "%s", d.Name)
		printStatus("URI", "%s", docstore.Redact(d.URI))
		return nil
	},
}

func init() {
	storeAddCmd.Flags().String("uri", "", "connection URI (mongodb://, postgres://, sqlite:)")
	storeAddCmd.Flags().String("store-id", "", "database name inside the store")
	storeAddCmd.Flags().String("container", "conversations", "collection or table holding conversations")
	storeAddCmd.Flags().String("name", "", "display name")
	storeUseCmd.Flags().String("user", "", "switch only this user's binding")
	storeUseCmd.Flags().String("assignment", "", "assignment to make active for the user")
	storeActiveCmd.Flags().String("user", "", "resolve the store for this user")

	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeAddCmd)
	storeCmd.AddCommand(storeRemoveCmd)
	storeCmd.AddCommand(storeUseCmd)
	storeCmd.AddCommand(storeActiveCmd)
}

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/users")
		if err != nil {
			return err
		}
		var users []storage.User
		if err := decodeJSON(resp, &users); err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%s  %-10s  %s\n", colorize(colorCyan, u.ID), u.Role, u.Username)
		}
		return nil
	},
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/users", map[string]string{"username": args[0], "role": role})
		if err != nil {
			return err
		}
		var u storage.User
		if err := decodeJSON(resp, &u); err != nil {
			return err
		}
		printSuccess("Created %s %s (%s)", u.Role, u.Username, u.ID)
		return nil
	},
}

func init() {
	userAddCmd.Flags().String("role", string(storage.RoleAnnotator), "admin or annotator")
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userAddCmd)
}

// --- assign ---

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign conversations to annotators",
}

var assignManualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Give every listed annotator the same conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req assign.ManualRequest
		req.StoreID, _ = cmd.Flags().GetString("store")
		req.AssignmentTitle, _ = cmd.Flags().GetString("title")
		annotators, _ := cmd.Flags().GetString("annotators")
		convs, _ := cmd.Flags().GetString("conversations")
		req.AnnotatorIDs = splitList(annotators)
		req.ConversationIDs = splitList(convs)

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAssignment(cmd.Context(), client, "/assignments/manual", req, os.Stdout)
	},
}

var assignAutoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Distribute conversations round-robin with overlap",
	Long: `Distribute conversations round-robin with overlap.

Each conversation goes to --overlap consecutive annotators, so with 3
annotators and an overlap of 2 every conversation is labeled twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req assign.AutoRequest
		req.StoreID, _ = cmd.Flags().GetString("store")
		req.AssignmentTitle, _ = cmd.Flags().GetString("title")
		req.Overlap, _ = cmd.Flags().GetInt("overlap")
		annotators, _ := cmd.Flags().GetString("annotators")
		convs, _ := cmd.Flags().GetString("conversations")
		req.AnnotatorIDs = splitList(annotators)
		req.ConversationIDs = splitList(convs)

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAssignment(cmd.Context(), client, "/assignments/auto", req, os.Stdout)
	},
}

type assignmentOutput struct {
	TeamID          string              `json:"teamId"`
	AssignmentTitle string              `json:"assignmentTitle"`
	Assignments     map[string][]string `json:"assignments"`
	Succeeded       []string            `json:"succeeded"`
	Failed          map[string]string   `json:"failed"`
}

// runAssignment prints per-annotator results. A partial failure is
// reported but does not fail the command.
func runAssignment(ctx context.Context, client *apiClient, path string, req any, w io.Writer) error {
	resp, err := client.post(ctx, path, req)
	if err != nil {
		return err
	}
	var out assignmentOutput
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Team:"), out.TeamID)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Title:"), out.AssignmentTitle)
	for _, id := range out.Succeeded {
		fmt.Fprintf(w, "  %s %s: %s\n", colorize(colorGreen, "✓"), id, strings.Join(out.Assignments[id], ", "))
	}
	failed := make([]string, 0, len(out.Failed))
	for id := range out.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(w, "  %s %s: %s\n", colorize(colorRed, "✗"), id, out.Failed[id])
	}
	if len(failed) > 0 {
		printWarning("%d of %d annotators failed", len(failed), len(failed)+len(out.Succeeded))
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{assignManualCmd, assignAutoCmd} {
		c.Flags().String("store", "", "storeId the conversations belong to")
		c.Flags().String("annotators", "", "comma-separated annotator user ids")
		c.Flags().String("conversations", "", "comma-separated conversation ids")
		c.Flags().String("title", "", "assignment title")
	}
	assignAutoCmd.Flags().Int("overlap", 1, "annotators per conversation")
	assignCmd.AddCommand(assignManualCmd)
	assignCmd.AddCommand(assignAutoCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show annotation progress",
}

var statsCompletionCmd = &cobra.Command{
	Use:   "completion",
	Short: "Show completion status per user",
	RunE: func(cmd *cobra.Command, args []string) error {
		storeID, _ := cmd.Flags().GetString("store")
		userID, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showCompletion(cmd.Context(), client, storeID, userID, os.Stdout)
	},
}

func showCompletion(ctx context.Context, client *apiClient, storeID, userID string, w io.Writer) error {
	q := url.Values{}
	if storeID != "" {
		q.Set("storeId", storeID)
	}
	if userID != "" {
		q.Set("userId", userID)
	}
	resp, err := client.get(ctx, withQuery("/stats/completion", q))
	if err != nil {
		return err
	}

	var rows []progress.UserStatus
	if userID != "" {
		var one progress.UserStatus
		if err := decodeJSON(resp, &one); err != nil {
			return err
		}
		rows = append(rows, one)
	} else if err := decodeJSON(resp, &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No participating users.")
		return nil
	}
	fmt.Fprintf(w, "%-20s %-10s %10s %12s %14s\n", "USER", "ROLE", "ANNOTATED", "IN PROGRESS", "NOT ANNOTATED")
	for _, r := range rows {
		fmt.Fprintf(w, "%-20s %-10s %10d %12d %14d\n", r.Username, r.Role, r.Annotated, r.InProgress, r.NotAnnotated)
	}
	return nil
}

var statsLabelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Show answered and unanswered counts per annotation label",
	RunE: func(cmd *cobra.Command, args []string) error {
		storeID, _ := cmd.Flags().GetString("store")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if storeID != "" {
			q.Set("storeId", storeID)
		}
		resp, err := client.get(cmd.Context(), withQuery("/stats/labels", q))
		if err != nil {
			return err
		}
		var counts []progress.LabelCount
		if err := decodeJSON(resp, &counts); err != nil {
			return err
		}
		if len(counts) == 0 {
			fmt.Println("No annotations found.")
			return nil
		}
		for _, c := range counts {
			fmt.Printf("%s  %d annotated, %d not annotated\n", colorize(colorBold, c.Label), c.NumsAnnotated, c.NumsNotAnnotated)
		}
		return nil
	},
}

func init() {
	statsCompletionCmd.Flags().String("store", "", "storeId (default: active store)")
	statsCompletionCmd.Flags().String("user", "", "show a single user")
	statsLabelsCmd.Flags().String("store", "", "storeId (default: active store)")
	statsCmd.AddCommand(statsCompletionCmd)
	statsCmd.AddCommand(statsLabelsCmd)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Queue a JSON file of conversations for import",
	Long: `Queue a JSON file of conversations for import.

Examples:
  annotd import ./conversations.json
  annotd import ./conversations.json --store review
  annotd import /srv/exports/day1.json --server-path`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storeID, _ := cmd.Flags().GetString("store")
		serverPath, _ := cmd.Flags().GetBool("server-path")

		var body io.Reader
		q := url.Values{}
		if storeID != "" {
			q.Set("storeId", storeID)
		}
		if serverPath {
			q.Set("path", args[0])
			printStep("Asking the server to read %s", args[0])
		} else {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			defer f.Close()
			body = f
			printStep("Uploading %s", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := queueImport(cmd.Context(), client, q, body)
		if err != nil {
			return err
		}
		printSuccess("Queued import %s", id)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func queueImport(ctx context.Context, client *apiClient, q url.Values, body io.Reader) (string, error) {
	resp, err := client.send(ctx, http.MethodPost, withQuery("/imports", q), "application/json", body)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

func init() {
	importCmd.Flags().String("store", "", "storeId to import into (default: active store)")
	importCmd.Flags().Bool("server-path", false, "read the file on the server instead of uploading it")
}

var importsCmd = &cobra.Command{
	Use:   "imports",
	Short: "Inspect import jobs",
}

type importJobOutput struct {
	ID        string                  `json:"id"`
	Status    string                  `json:"status"`
	Store     storage.StoreDescriptor `json:"store"`
	Path      string                  `json:"path"`
	Attempts  int                     `json:"attempts"`
	LastError string                  `json:"lastError"`
	CreatedAt string                  `json:"createdAt"`
}

var importsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent import jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/imports?limit=%d", limit))
		if err != nil {
			return err
		}
		var jobs []importJobOutput
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No imports found.")
			return nil
		}
		for _, j := range jobs {
			source := j.Path
			if source == "" {
				source = "upload"
			}
			line := fmt.Sprintf("%s  %-10s  %s  %s  %s", colorize(colorCyan, shortID(j.ID)), j.Status, j.CreatedAt, j.Store.StoreID, source)
			if j.LastError != "" {
				line += "  " + colorize(colorRed, j.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var importsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/imports/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		var job importJobOutput
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printSuccess("Import %s is %s", job.ID, job.Status)
		return nil
	},
}

func init() {
	importsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	importsCmd.AddCommand(importsListCmd)
	importsCmd.AddCommand(importsRetryCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		showConfig(cfg, os.Stdout)
		return nil
	},
}

func showConfig(cfg config.Config, w io.Writer) {
	for _, k := range config.ShowAll(cfg) {
		fmt.Fprintf(w, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
