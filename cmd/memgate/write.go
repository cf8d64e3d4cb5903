package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
)

func newWriteCmd(a *app) *cobra.Command {
	var (
		req      memgate.WriteRequest
		cid      string
		op       string
		metadata []string
	)

	cmd := &cobra.Command{
		Use:   "write",
		Short: "Submit one memory write through the audited write path",
		Example: `  memgate write --actor u1 --space team:proj --content "fact A"
  memgate write --actor u1 --space private:u1 --content "note" --meta source=cli`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return usageError{msg: err.Error()}
			}
			req.CorrelationID = correlation.ID(cid)
			req.Operation = audit.Operation(op)
			req.Metadata = meta

			ctx := cmd.Context()
			store, closeStore, err := openBackend(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			classifier := newClassifier(a.cfg.Downstream)
			client, err := newDownstream(a.cfg.Downstream, classifier)
			if err != nil {
				return err
			}
			checker, closePolicy, err := newPolicy(ctx, a.cfg.Policy, a.logger)
			if err != nil {
				return err
			}
			defer closePolicy()
			notifier, closeNotifier, err := newNotifier(a.cfg.AuditNATS, a.logger)
			if err != nil {
				return err
			}
			defer closeNotifier()

			coord := memgate.NewCoordinator(store, client, checker, memgate.CoordinatorConfig{
				WriteTimeout: a.cfg.Write.Timeout,
				MaxRetries:   a.cfg.Retry.MaxRetries,
				Logger:       a.logger,
				Notifier:     notifier,
				Classifier:   &classifier,
			})

			result, err := coord.HandleWrite(ctx, req)
			if err != nil {
				return err
			}

			return printResult(cmd, result)
		},
	}
	cmd.Flags().StringVar(&req.ActorUserID, "actor", "", "Acting user id")
	cmd.Flags().StringVar(&req.Space, "space", "", "Target space (team:<project> or private:<user>)")
	cmd.Flags().StringVar(&req.Content, "content", "", "Memory content")
	cmd.Flags().StringVar(&op, "operation", string(audit.OperationMemoryStore), "Write operation")
	cmd.Flags().StringVar(&cid, "correlation-id", "", "Correlation id (generated when empty)")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "Metadata key=value (repeatable)")

	return cmd
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", pair)
		}
		meta[key] = value
	}

	return meta, nil
}

func printResult(cmd *cobra.Command, result memgate.Result) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(result)
}
