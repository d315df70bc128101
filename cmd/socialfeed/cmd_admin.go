package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"socialfeed/internal/store"
	"socialfeed/internal/twitter"
)

var (
	acctUsername     string
	acctID           string
	acctClientID     string
	acctClientSecret string
	acctAccessToken  string
	acctRefreshToken string
	acctTokenTTL     time.Duration

	collChain    string
	collAddress  string
	collHandle   string
	collComplete bool

	rulesFilter string
	rulesTier   string
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the bot account pool",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Provision a bot account from its OAuth credentials",
	RunE:  runAccountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned bot accounts",
	RunE:  runAccountList,
}

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Manage tracked collections",
}

var collectionAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Track a collection, keyed by chain and address",
	RunE:  runCollectionAdd,
}

var collectionRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Stop tracking a collection",
	RunE:  runCollectionRemove,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print filtered-stream rules covering all tracked members",
	RunE:  runRules,
}

func init() {
	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)
	accountAddCmd.Flags().StringVar(&acctUsername, "username", "", "Bot account username")
	accountAddCmd.Flags().StringVar(&acctID, "id", "", "Bot account user id")
	accountAddCmd.Flags().StringVar(&acctClientID, "client-id", "", "OAuth2 client id")
	accountAddCmd.Flags().StringVar(&acctClientSecret, "client-secret", "", "OAuth2 client secret")
	accountAddCmd.Flags().StringVar(&acctAccessToken, "access-token", "", "OAuth2 access token")
	accountAddCmd.Flags().StringVar(&acctRefreshToken, "refresh-token", "", "OAuth2 refresh token")
	accountAddCmd.Flags().DurationVar(&acctTokenTTL, "token-ttl", 2*time.Hour, "Remaining refresh token lifetime")
	_ = accountAddCmd.MarkFlagRequired("username")
	_ = accountAddCmd.MarkFlagRequired("id")

	collectionCmd.AddCommand(collectionAddCmd)
	collectionCmd.AddCommand(collectionRemoveCmd)
	collectionAddCmd.Flags().StringVar(&collChain, "chain", "", "Chain id")
	collectionAddCmd.Flags().StringVar(&collAddress, "address", "", "Collection address")
	collectionAddCmd.Flags().StringVar(&collHandle, "handle", "", "Platform handle or profile URL")
	collectionAddCmd.Flags().BoolVar(&collComplete, "complete", true, "Whether the collection is ready for ingestion")
	_ = collectionAddCmd.MarkFlagRequired("chain")
	_ = collectionAddCmd.MarkFlagRequired("address")
	collectionRemoveCmd.Flags().StringVar(&collChain, "chain", "", "Chain id")
	collectionRemoveCmd.Flags().StringVar(&collAddress, "address", "", "Collection address")
	_ = collectionRemoveCmd.MarkFlagRequired("chain")
	_ = collectionRemoveCmd.MarkFlagRequired("address")

	rulesCmd.Flags().StringVar(&rulesFilter, "filter", "", "Filter clause appended to every rule")
	rulesCmd.Flags().StringVar(&rulesTier, "tier", "essential", "Access tier: essential, elevated, academic")
}

func openStore() (*store.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Storage.DBPath)
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	creds := store.BotAccountCredentials{
		Username:               acctUsername,
		ID:                     acctID,
		ClientID:               acctClientID,
		ClientSecret:           acctClientSecret,
		AccessToken:            acctAccessToken,
		RefreshToken:           acctRefreshToken,
		RefreshTokenValidUntil: time.Now().Add(acctTokenTTL),
	}
	if err := db.SaveAccount(cmd.Context(), creds); err != nil {
		return err
	}
	cmd.Println("Provisioned account:", acctUsername)
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	accounts, err := db.Accounts(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tID\tLISTS\tTOKEN VALID UNTIL")
	for _, a := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Username, a.ID, a.NumLists, a.RefreshTokenValidUntil.Format(time.RFC3339))
	}
	return w.Flush()
}

func runCollectionAdd(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	e := store.Entity{
		ChainID:  collChain,
		Address:  collAddress,
		Handle:   collHandle,
		Complete: collComplete,
	}
	if err := db.UpsertEntity(cmd.Context(), e); err != nil {
		return err
	}
	cmd.Println("Tracking collection:", e.Key())
	return nil
}

func runCollectionRemove(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeleteEntity(cmd.Context(), collChain, collAddress); err != nil {
		return err
	}
	cmd.Println("Removed collection:", store.EntityKey(collChain, collAddress))
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var level twitter.AccessLevel
	switch rulesTier {
	case "essential":
		level = twitter.AccessEssential
	case "elevated":
		level = twitter.AccessElevated
	case "academic":
		level = twitter.AccessAcademic
	default:
		return fmt.Errorf("unknown tier %q", rulesTier)
	}

	members, err := db.MembersByState(cmd.Context(), store.MemberAdded)
	if err != nil {
		return err
	}
	usernames := make([]string, len(members))
	for i, m := range members {
		usernames[i] = m.Username
	}
	rules, err := twitter.BuildStreamRules(usernames, rulesFilter, level)
	if err != nil {
		return err
	}
	for _, r := range rules {
		cmd.Println(r)
	}
	return nil
}
