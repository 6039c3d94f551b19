package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/reportsync/client"
	"pkt.systems/reportsync/internal/svcfields"
	"pkt.systems/reportsync/portalloc"
	"pkt.systems/reportsync/resource"
)

func parseKind(raw string) (resource.Kind, error) {
	kind := resource.Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown kind %q", raw)
	}
	return kind, nil
}

func newPushCommand(a *app) *cobra.Command {
	var (
		name, text, html, file, fileKind, source string
		tags, categories                         []string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push one item, creating its session and dataset first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, v := range []string{text, html, file} {
				if v != "" {
					set++
				}
			}
			if set > 1 {
				return fmt.Errorf("--text, --html and --file are mutually exclusive")
			}
			cli, err := a.client("")
			if err != nil {
				return err
			}
			defer cli.Close()
			it := cli.NewItem(name)
			it.SetSource(source)
			for _, tag := range tags {
				key, value, _ := strings.Cut(tag, "=")
				it.AddTag(key, value)
			}
			for _, c := range categories {
				it.AddCategory(c)
			}
			size := 0
			switch {
			case text != "":
				err = it.SetText(text)
			case html != "":
				err = it.SetHTML(html)
			case file != "":
				var data []byte
				if data, err = os.ReadFile(file); err != nil {
					return err
				}
				size = len(data)
				err = it.SetFile(resource.PayloadKind(fileKind), filepath.Base(file), data)
			}
			if err != nil {
				return err
			}
			if err := cli.Put(cmd.Context(), it); err != nil {
				return err
			}
			out := map[string]any{
				"guid":    it.GUID().String(),
				"session": cli.Session().GUID().String(),
				"dataset": cli.Dataset().GUID().String(),
			}
			if size > 0 {
				out["size"] = humanizeBytes(size)
			}
			return a.print(cmd.OutOrStdout(), out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "item name")
	flags.StringVar(&text, "text", "", "plain text payload")
	flags.StringVar(&html, "html", "", "HTML payload")
	flags.StringVar(&file, "file", "", "upload this file as the payload")
	flags.StringVar(&fileKind, "file-kind", string(resource.PayloadFile), "payload kind for --file (file|image|animation|scene)")
	flags.StringVar(&source, "source", "", "item source")
	flags.StringSliceVar(&tags, "tag", nil, "tag as key or key=value (repeatable)")
	flags.StringSliceVar(&categories, "category", nil, "item category (repeatable)")
	return cmd
}

func newGetCommand(a *app) *cobra.Command {
	var (
		query string
		guid  string
	)
	cmd := &cobra.Command{
		Use:   "get <kind>",
		Short: "List resources of a kind (item, session, dataset, template, item_category)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			cli, err := a.client("")
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx := cmd.Context()
			v, err := cli.APIVersion(ctx)
			if err != nil {
				return err
			}
			var found []resource.Resource
			if guid != "" {
				id, err := uuid.Parse(guid)
				if err != nil {
					return fmt.Errorf("parse --guid: %w", err)
				}
				res, err := cli.GetByGUID(ctx, kind, id)
				if err != nil {
					return err
				}
				found = append(found, res)
			} else {
				q, err := resource.ParseQuery(query)
				if err != nil {
					return err
				}
				if found, err = cli.Get(ctx, kind, q); err != nil {
					return err
				}
			}
			out := make([]map[string]any, 0, len(found))
			for _, res := range found {
				fields, err := resource.Serialize(res, v)
				if err != nil {
					return err
				}
				out = append(out, fields)
			}
			return a.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "query stanzas, e.g. 'A|i_name|cont|build;'")
	cmd.Flags().StringVar(&guid, "guid", "", "fetch one resource by GUID")
	return cmd
}

func newDeleteCommand(a *app) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "delete <kind>",
		Short: "Delete every resource of a kind matching a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(query) == "" {
				return fmt.Errorf("--query is required")
			}
			q, err := resource.ParseQuery(query)
			if err != nil {
				return err
			}
			cli, err := a.client("")
			if err != nil {
				return err
			}
			defer cli.Close()
			found, err := cli.Get(cmd.Context(), kind, q)
			if err != nil {
				return err
			}
			if err := cli.Delete(cmd.Context(), found...); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"deleted": len(found)})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "query stanzas selecting what to delete")
	return cmd
}

func newCopyItemsCommand(a *app) *cobra.Command {
	var target copyTarget
	cmd := &cobra.Command{
		Use:   "copy-items",
		Short: "Copy matching items and the sessions and datasets they reference to another server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCopy(cmd, target, false)
		},
	}
	target.register(cmd, "item query stanzas")
	return cmd
}

func newCopyTemplatesCommand(a *app) *cobra.Command {
	var target copyTarget
	cmd := &cobra.Command{
		Use:   "copy-templates",
		Short: "Copy matching templates and every template linked to them to another server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCopy(cmd, target, true)
		},
	}
	target.register(cmd, "template query stanzas")
	return cmd
}

// copyTarget holds the destination flags shared by the copy commands.
type copyTarget struct {
	url      string
	username string
	password string
	query    string
}

func (t *copyTarget) register(cmd *cobra.Command, queryUsage string) {
	flags := cmd.Flags()
	flags.StringVar(&t.url, "to", "", "destination server base URL")
	flags.StringVar(&t.username, "to-username", "", "destination username (default: --username)")
	flags.StringVar(&t.password, "to-password", "", "destination password (default: --password)")
	flags.StringVarP(&t.query, "query", "q", "", queryUsage)
	_ = cmd.MarkFlagRequired("to")
}

func (a *app) runCopy(cmd *cobra.Command, target copyTarget, templates bool) error {
	q, err := resource.ParseQuery(target.query)
	if err != nil {
		return err
	}
	src, err := a.client("")
	if err != nil {
		return err
	}
	defer src.Close()
	var extra []client.Option
	if target.username != "" || target.password != "" {
		username := target.username
		if username == "" {
			username = a.cfg.Username
		}
		extra = append(extra, client.WithCredentials(username, target.password))
	}
	dst, err := a.client(target.url, extra...)
	if err != nil {
		return err
	}
	defer dst.Close()
	logger := svcfields.WithSubsystem(a.logger, "cli.copy")
	start := time.Now()
	copyFn := src.CopyItems
	if templates {
		copyFn = src.CopyTemplates
	}
	res, err := copyFn(cmd.Context(), dst, q)
	if err != nil {
		return err
	}
	logger.Info("cli.copy.done", "from", src.BaseURL(), "to", dst.BaseURL(), "elapsed", time.Since(start))
	unresolved := make([]string, 0, len(res.Unresolved))
	for _, id := range res.Unresolved {
		unresolved = append(unresolved, id.String())
	}
	out := map[string]any{
		"items":      res.Items,
		"sessions":   res.Sessions,
		"datasets":   res.Datasets,
		"templates":  res.Templates,
		"unresolved": unresolved,
	}
	return a.print(cmd.OutOrStdout(), out)
}

func newTokenCommand(a *app) *cobra.Command {
	var (
		user   string
		ttl    time.Duration
		verify string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Request or verify a one-time login token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client("")
			if err != nil {
				return err
			}
			defer cli.Close()
			if verify != "" {
				res, err := cli.VerifyMagicToken(cmd.Context(), verify)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), map[string]any{"valid": res.Valid, "username": res.Username})
			}
			res, err := cli.MagicToken(cmd.Context(), user, ttl)
			if err != nil {
				return err
			}
			out := map[string]any{"token": res.Token}
			if res.ExpiresAt > 0 {
				out["expires_at"] = time.Unix(res.ExpiresAt, 0).UTC().Format(time.RFC3339)
			}
			return a.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user the token logs in as (default: the authenticated user)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (server default when zero)")
	cmd.Flags().StringVar(&verify, "verify", "", "verify this token instead of requesting one")
	return cmd
}

func newPortsCommand(a *app) *cobra.Command {
	var (
		count int
		skip  []int
		start int
	)
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Find free local ports in the instance port range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := portalloc.Find(cmd.Context(), portalloc.Options{
				Count:      count,
				Start:      start,
				Base:       a.cfg.PortBase,
				Span:       a.cfg.PortSpan,
				Skip:       skip,
				ProfileDir: a.cfg.ProfileDir,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"ports": ports})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of ports")
	cmd.Flags().IntSliceVar(&skip, "skip", nil, "ports never returned")
	cmd.Flags().IntVar(&start, "start", 0, "first candidate (default derived from the process id)")
	return cmd
}
