package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/auth"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/members"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required")
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), userID, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried by the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Optional display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newPageCommand() *cobra.Command {
	pageCmd := &cobra.Command{
		Use:   "page",
		Short: "Manage wiki pages",
	}

	var request struct {
		project string
		parent  string
		path    string
		title   string
		content string
	}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a page at version zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			pages, err := wiki.NewPageService(wiki.PageServiceConfig{
				Database:   db,
				IDProvider: wiki.NewUUIDProvider(),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			projectID, err := wiki.NewProjectID(request.project)
			if err != nil {
				return err
			}
			createRequest := wiki.CreatePageRequest{
				ProjectID: projectID,
				Path:      request.path,
				Title:     request.title,
				Content:   request.content,
			}
			if request.parent != "" {
				parentID, err := wiki.NewPageID(request.parent)
				if err != nil {
					return err
				}
				createRequest.ParentID = &parentID
			}
			page, err := pages.CreatePage(cmd.Context(), createRequest)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), page.ID)
			return nil
		},
	}
	createCmd.Flags().StringVar(&request.project, "project", "", "Owning project id")
	createCmd.Flags().StringVar(&request.parent, "parent", "", "Optional parent page id")
	createCmd.Flags().StringVar(&request.path, "path", "", "Page path within the project")
	createCmd.Flags().StringVar(&request.title, "title", "", "Page title")
	createCmd.Flags().StringVar(&request.content, "content", "", "Initial content")
	_ = createCmd.MarkFlagRequired("project")
	_ = createCmd.MarkFlagRequired("path")

	pageCmd.AddCommand(createCmd)
	return pageCmd
}

func newMemberCommand() *cobra.Command {
	memberCmd := &cobra.Command{
		Use:   "member",
		Short: "Manage project membership",
	}

	var (
		projectID string
		userID    string
		role      string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Grant a user access to a project's pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMembership(func(membership *members.Service) error {
				return addMember(cmd.Context(), cmd.OutOrStdout(), membership, projectID, userID, role)
			})
		},
	}
	addCmd.Flags().StringVar(&projectID, "project", "", "Project id")
	addCmd.Flags().StringVar(&userID, "user", "", "User id")
	addCmd.Flags().StringVar(&role, "role", string(members.RoleEditor), "Member role (editor, owner)")
	_ = addCmd.MarkFlagRequired("project")
	_ = addCmd.MarkFlagRequired("user")

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Revoke a user's access to a project's pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMembership(func(membership *members.Service) error {
				return removeMember(cmd.Context(), cmd.OutOrStdout(), membership, projectID, userID)
			})
		},
	}
	removeCmd.Flags().StringVar(&projectID, "project", "", "Project id")
	removeCmd.Flags().StringVar(&userID, "user", "", "User id")
	_ = removeCmd.MarkFlagRequired("project")
	_ = removeCmd.MarkFlagRequired("user")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMembership(func(membership *members.Service) error {
				return listMembers(cmd.Context(), cmd.OutOrStdout(), membership, projectID)
			})
		},
	}
	listCmd.Flags().StringVar(&projectID, "project", "", "Project id")
	_ = listCmd.MarkFlagRequired("project")

	memberCmd.AddCommand(addCmd, removeCmd, listCmd)
	return memberCmd
}

func withMembership(run func(*members.Service) error) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	membership, err := members.NewService(members.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	return run(membership)
}

func addMember(ctx context.Context, out io.Writer, membership *members.Service, projectID, userID, role string) error {
	if err := membership.AddMember(ctx, wiki.ProjectID(projectID), wiki.UserID(userID), members.Role(role)); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is a member of %s\n", userID, projectID)
	return nil
}

func removeMember(ctx context.Context, out io.Writer, membership *members.Service, projectID, userID string) error {
	removed, err := membership.RemoveMember(ctx, wiki.ProjectID(projectID), wiki.UserID(userID))
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%s is not a member of %s", userID, projectID)
	}
	fmt.Fprintf(out, "%s removed from %s\n", userID, projectID)
	return nil
}

func listMembers(ctx context.Context, out io.Writer, membership *members.Service, projectID string) error {
	list, err := membership.ListMembers(ctx, wiki.ProjectID(projectID))
	if err != nil {
		return err
	}
	for _, member := range list {
		fmt.Fprintf(out, "%s\t%s\n", member.UserID, member.Role)
	}
	return nil
}
