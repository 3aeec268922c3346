// Command clusterctl drives the cluster package's realm/group/transfer
// operations against a running set of agents, the operator-facing
// counterpart to what cluster_test.go exercises in-process.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datatrails/go-datatrails-common/azblob"

	"github.com/juicebox-realm/realmcore/cluster"
	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/rpcapi"
	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/storage"
	"github.com/juicebox-realm/realmcore/transport"
)

var discoveryRedis string

var rootCmd = &cobra.Command{
	Use:   "clusterctl",
	Short: "Operate a realm's coordinator-side procedures",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&discoveryRedis, "discovery-redis", "",
		"Redis URL for the shared discovery table; required by new-group, stepdown and transfer")
	rootCmd.AddCommand(statusCmd(), newRealmCmd(), newGroupCmd(), bootstrapMemberCmd(),
		joinRealmCmd(), stepDownCmd(), transferCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial(url string) *rpcapi.Client {
	return rpcapi.NewClient(transport.NewNetworked(url, nil))
}

func openDiscovery() (discovery.Table, error) {
	if discoveryRedis == "" {
		return nil, fmt.Errorf("--discovery-redis is required for this command")
	}
	if err := os.Setenv("REDIS_URL", discoveryRedis); err != nil {
		return nil, err
	}
	return discovery.NewRedisTableFromEnv("realmcore:")
}

// openJournal connects to the same Azure Blob container every cmd/agent in
// the realm was started with (--blob-container), so StepDown's replacement
// election can read the exact LogEntry a group's agents already share.
// Grounded on cmd/agent's openStorage, which builds the journal side of the
// same pair against the same azblob.NewDev construction.
func openJournal(blobContainer string, realm ids.RealmId) (journal.Store, error) {
	if blobContainer == "" {
		return nil, fmt.Errorf("--blob-container is required for this command")
	}
	storer, err := azblob.NewDev(azblob.NewDevConfigFromEnv(), blobContainer)
	if err != nil {
		return nil, fmt.Errorf("connecting to blob store: %w", err)
	}
	paths := storage.PathProvider{Prefix: "realmcore"}
	return journal.NewBlobStore(storer, realm, paths), nil
}

func parseHsmIds(s string) ([]ids.HsmId, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("at least one member is required")
	}
	parts := strings.Split(s, ",")
	out := make([]ids.HsmId, 0, len(parts))
	for _, p := range parts {
		hid, err := ids.ParseHsmId(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, hid)
	}
	return out, nil
}

func statusCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report one agent's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := dial(url).Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("hsm=%s realm=%v uptime=%ds\n", resp.HsmId, resp.RealmId, resp.UptimeSec)
			for gid, gs := range resp.Groups {
				fmt.Printf("  group=%s leader=%v steppingDown=%v\n", gid, gs.Leader, gs.SteppingDown)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "agent URL (required)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newRealmCmd() *cobra.Command {
	var founderURL string
	cmd := &cobra.Command{
		Use:   "new-realm",
		Short: "Found a new realm led by one agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := cluster.NewRealm(cmd.Context(), dial(founderURL))
			if err != nil {
				return err
			}
			fmt.Printf("realm=%s group=%s\n", result.RealmId, result.GroupId)
			return nil
		},
	}
	cmd.Flags().StringVar(&founderURL, "founder-url", "", "founding agent's URL (required)")
	_ = cmd.MarkFlagRequired("founder-url")
	return cmd
}

// newGroupCmd forms an additional group among members already known to
// the realm (see cluster.NewGroup's doc comment). Bringing a brand-new
// HSM into the realm for the first time is join-realm's job: mint a
// throwaway group naming it with bootstrap-member first, pass the printed
// config to join-realm on that HSM, then form the real group here.
func newGroupCmd() *cobra.Command {
	var founderURL, founderHsm, membersFlag string
	cmd := &cobra.Command{
		Use:   "new-group",
		Short: "Form a new group among existing realm members",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			founderHsmId, err := ids.ParseHsmId(founderHsm)
			if err != nil {
				return fmt.Errorf("--founder-hsm: %w", err)
			}
			members, err := parseHsmIds(membersFlag)
			if err != nil {
				return fmt.Errorf("--members: %w", err)
			}
			disc, err := openDiscovery()
			if err != nil {
				return err
			}
			founder := dial(founderURL)
			result, err := cluster.NewGroup(ctx, disc, cluster.DialerFunc(dial), founder, founderHsmId, members)
			if err != nil {
				return err
			}
			fmt.Printf("group=%s\n", result.GroupId)
			return nil
		},
	}
	cmd.Flags().StringVar(&founderURL, "founder-url", "", "founding agent's URL (required)")
	cmd.Flags().StringVar(&founderHsm, "founder-hsm", "", "founding agent's hex HsmId (required)")
	cmd.Flags().StringVar(&membersFlag, "members", "", "comma-separated hex HsmIds, founder included (required)")
	_ = cmd.MarkFlagRequired("founder-url")
	_ = cmd.MarkFlagRequired("founder-hsm")
	_ = cmd.MarkFlagRequired("members")
	return cmd
}

// bootstrapMemberCmd mints a throwaway group naming a brand-new HSM
// alongside the founder, without distributing it (a brand-new member
// fails JoinGroup until it has JoinRealm'd, so cluster.NewGroup's
// distribution loop doesn't apply here). The printed config is what the
// new member's join-realm call installs, mirroring the bootstrap step
// TestNewGroupDistributesConfigurationToEveryMember performs directly
// against the Hsm as test scaffolding.
func bootstrapMemberCmd() *cobra.Command {
	var founderURL, membersFlag string
	cmd := &cobra.Command{
		Use:   "bootstrap-member",
		Short: "Mint a realm configuration naming a new member, for join-realm to install",
		RunE: func(cmd *cobra.Command, args []string) error {
			members, err := parseHsmIds(membersFlag)
			if err != nil {
				return fmt.Errorf("--members: %w", err)
			}
			resp, err := dial(founderURL).NewGroup(cmd.Context(), rpcapi.NewGroupRequest{Members: members})
			if err != nil {
				return err
			}
			if resp.ErrorKind != rpcapi.KindOk {
				return rpcapi.ErrorOf(resp.ErrorKind)
			}
			encoded, err := statements.MarshalCanonical(resp.Config)
			if err != nil {
				return err
			}
			fmt.Printf("group=%s\nconfig=%s\n", resp.GroupId, base64.StdEncoding.EncodeToString(encoded))
			return nil
		},
	}
	cmd.Flags().StringVar(&founderURL, "founder-url", "", "founding agent's URL (required)")
	cmd.Flags().StringVar(&membersFlag, "members", "", "comma-separated hex HsmIds, founder included, new member last (required)")
	_ = cmd.MarkFlagRequired("founder-url")
	_ = cmd.MarkFlagRequired("members")
	return cmd
}

// joinRealmCmd installs a GroupConfigurationStatement (base64, as printed
// by bootstrap-member) on a brand-new agent, then joins the named group under it
// — the two-step sequence cluster_test.go's sharedKeyNode-based tests
// perform directly against the Hsm for test scaffolding, here exposed as
// the real operator path over the wire.
func joinRealmCmd() *cobra.Command {
	var url, realmHex, configB64 string
	cmd := &cobra.Command{
		Use:   "join-realm",
		Short: "Install a realm configuration on a new agent and join its group",
		RunE: func(cmd *cobra.Command, args []string) error {
			realmId, err := ids.ParseRealmId(realmHex)
			if err != nil {
				return fmt.Errorf("--realm: %w", err)
			}
			raw, err := base64.StdEncoding.DecodeString(configB64)
			if err != nil {
				return fmt.Errorf("--config: %w", err)
			}
			var config statements.GroupConfigurationStatement
			if err := statements.Unmarshal(raw, &config); err != nil {
				return fmt.Errorf("--config: %w", err)
			}

			client := dial(url)
			ctx := cmd.Context()
			joinRealmResp, err := client.JoinRealm(ctx, rpcapi.JoinRealmRequest{RealmId: realmId, Config: config})
			if err != nil {
				return err
			}
			if joinRealmResp.ErrorKind != rpcapi.KindOk {
				return rpcapi.ErrorOf(joinRealmResp.ErrorKind)
			}
			joinGroupResp, err := client.JoinGroup(ctx, rpcapi.JoinGroupRequest{Config: config})
			if err != nil {
				return err
			}
			if joinGroupResp.ErrorKind != rpcapi.KindOk {
				return rpcapi.ErrorOf(joinGroupResp.ErrorKind)
			}
			fmt.Println("joined")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "joining agent's URL (required)")
	cmd.Flags().StringVar(&realmHex, "realm", "", "hex RealmId (required)")
	cmd.Flags().StringVar(&configB64, "config", "", "base64 GroupConfigurationStatement, as printed by bootstrap-member (required)")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("realm")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func stepDownCmd() *cobra.Command {
	var realmHex, groupHex, membersFlag, hsmHex, blobContainer string
	cmd := &cobra.Command{
		Use:   "stepdown",
		Short: "Ask a group's current leader to step down, or a single HSM to step down from every group it leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			realmId, err := ids.ParseRealmId(realmHex)
			if err != nil {
				return fmt.Errorf("--realm: %w", err)
			}
			members, err := parseHsmIds(membersFlag)
			if err != nil {
				return fmt.Errorf("--members: %w", err)
			}
			disc, err := openDiscovery()
			if err != nil {
				return err
			}
			j, err := openJournal(blobContainer, realmId)
			if err != nil {
				return err
			}

			if hsmHex != "" {
				hsmId, err := ids.ParseHsmId(hsmHex)
				if err != nil {
					return fmt.Errorf("--hsm: %w", err)
				}
				groupId, err := ids.ParseGroupId(groupHex)
				if err != nil {
					return fmt.Errorf("--group: %w", err)
				}
				groupMembers := map[ids.GroupId]cluster.GroupMembership{groupId: {Members: members, Journal: j}}
				results, err := cluster.StepDownHsm(cmd.Context(), disc, cluster.DialerFunc(dial), hsmId, realmId, groupMembers)
				if err != nil {
					return err
				}
				for group, resp := range results {
					fmt.Printf("group=%s lastIndex=%d\n", group, resp.LastIndex)
				}
				return nil
			}

			groupId, err := ids.ParseGroupId(groupHex)
			if err != nil {
				return fmt.Errorf("--group: %w", err)
			}
			resp, err := cluster.StepDown(cmd.Context(), disc, cluster.DialerFunc(dial), j, members, realmId, groupId)
			if err != nil {
				return err
			}
			fmt.Printf("lastIndex=%d\n", resp.LastIndex)
			return nil
		},
	}
	cmd.Flags().StringVar(&realmHex, "realm", "", "hex RealmId (required)")
	cmd.Flags().StringVar(&groupHex, "group", "", "hex GroupId (required; the only group addressed when --hsm is also set)")
	cmd.Flags().StringVar(&membersFlag, "members", "", "comma-separated hex HsmIds in the group (required)")
	cmd.Flags().StringVar(&hsmHex, "hsm", "", "hex HsmId; if set, step this HSM down from --group instead of asking --group's current leader to step down")
	cmd.Flags().StringVar(&blobContainer, "blob-container", "", "Azure Blob container holding the group's shared journal (required)")
	_ = cmd.MarkFlagRequired("realm")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("members")
	_ = cmd.MarkFlagRequired("blob-container")
	return cmd
}

func transferCmd() *cobra.Command {
	var realmHex, sourceHex, destHex, rangeStartHex, rangeEndHex, sourceMembersFlag, destMembersFlag string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move a record range from one group to another",
		RunE: func(cmd *cobra.Command, args []string) error {
			realmId, err := ids.ParseRealmId(realmHex)
			if err != nil {
				return fmt.Errorf("--realm: %w", err)
			}
			sourceId, err := ids.ParseGroupId(sourceHex)
			if err != nil {
				return fmt.Errorf("--source: %w", err)
			}
			destId, err := ids.ParseGroupId(destHex)
			if err != nil {
				return fmt.Errorf("--destination: %w", err)
			}
			rng, err := parseRange(rangeStartHex, rangeEndHex)
			if err != nil {
				return err
			}
			sourceMembers, err := parseHsmIds(sourceMembersFlag)
			if err != nil {
				return fmt.Errorf("--source-members: %w", err)
			}
			destMembers, err := parseHsmIds(destMembersFlag)
			if err != nil {
				return fmt.Errorf("--dest-members: %w", err)
			}
			disc, err := openDiscovery()
			if err != nil {
				return err
			}
			err = cluster.Transfer(cmd.Context(), disc, cluster.DialerFunc(dial), sourceMembers, destMembers, cluster.TransferRequest{
				Realm: realmId, Source: sourceId, Destination: destId, Range: rng,
			})
			if err != nil {
				return err
			}
			fmt.Println("transferred")
			return nil
		},
	}
	cmd.Flags().StringVar(&realmHex, "realm", "", "hex RealmId (required)")
	cmd.Flags().StringVar(&sourceHex, "source", "", "hex source GroupId (required)")
	cmd.Flags().StringVar(&destHex, "destination", "", "hex destination GroupId (required)")
	cmd.Flags().StringVar(&rangeStartHex, "range-start", "", "hex 32-byte range start, inclusive (required)")
	cmd.Flags().StringVar(&rangeEndHex, "range-end", "", "hex 32-byte range end, inclusive (required)")
	cmd.Flags().StringVar(&sourceMembersFlag, "source-members", "", "comma-separated hex HsmIds in the source group (required)")
	cmd.Flags().StringVar(&destMembersFlag, "dest-members", "", "comma-separated hex HsmIds in the destination group (required)")
	for _, f := range []string{"realm", "source", "destination", "range-start", "range-end", "source-members", "dest-members"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func parseRange(startHex, endHex string) (ids.OwnedRange, error) {
	start, err := ids.ParseRecordId(startHex)
	if err != nil {
		return ids.OwnedRange{}, fmt.Errorf("--range-start: %w", err)
	}
	end, err := ids.ParseRecordId(endHex)
	if err != nil {
		return ids.OwnedRange{}, fmt.Errorf("--range-end: %w", err)
	}
	rng := ids.OwnedRange{Start: start, End: end}
	if !rng.Valid() {
		return ids.OwnedRange{}, fmt.Errorf("range start must not be after end")
	}
	return rng, nil
}
