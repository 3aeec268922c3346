// Command demo walks the same end-to-end story
// original_source/src/bin/demo.rs does: stand up a realm of several
// multi-member groups, move record-range ownership between them, then
// register and recover a secret against whichever group ends up owning it,
// narrating each step to stdout. Scaled down from the original's two load
// balancers and four separate realms to one realm of two groups behind no
// load balancer, since neither has a counterpart anywhere else in this
// module (spec.md's Non-goals exclude client-facing sharding/load
// balancing entirely; this demo drives the realm's own RPCs directly).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/juicebox-realm/realmcore/cluster"
	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/rpcapi"
	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/transport"
)

var (
	agentBinary    string
	discoveryRedis string
	basePort       int
)

var rootCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk through forming a realm, transferring range ownership, and recovering a secret",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&agentBinary, "agent-binary", "./agent", "path to a built cmd/agent binary")
	flags.StringVar(&discoveryRedis, "discovery-redis", "", "Redis URL every spawned agent and this process share for discovery (required)")
	flags.IntVar(&basePort, "base-port", 5000, "first port to bind spawned agents to")
	_ = rootCmd.MarkFlagRequired("discovery-redis")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type demoNode struct {
	cmd    *exec.Cmd
	url    string
	client *rpcapi.Client
	hsmId  ids.HsmId
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	key, err := statements.NewRealmKey()
	if err != nil {
		return err
	}
	keyHex := hex.EncodeToString(key[:])

	if err := os.Setenv("REDIS_URL", discoveryRedis); err != nil {
		return err
	}
	disc, err := discovery.NewRedisTableFromEnv("realmcore-demo:")
	if err != nil {
		return fmt.Errorf("connecting to discovery: %w", err)
	}
	dialer := cluster.DialerFunc(dial)

	fmt.Println("spawning 6 agent processes sharing one realm key")
	nodes, err := spawnNodes(ctx, 6, keyHex)
	defer killAll(nodes)
	if err != nil {
		return err
	}
	if err := waitForAgents(ctx, nodes); err != nil {
		return err
	}

	group1Members, group2Members := nodes[:3], nodes[3:]

	fmt.Println("founding the realm on the first node")
	newRealm, err := cluster.NewRealm(ctx, group1Members[0].client)
	if err != nil {
		return fmt.Errorf("founding realm: %w", err)
	}
	fmt.Printf("realm=%s\n", newRealm.RealmId)

	fmt.Println("waiting for every node's discovery heartbeat")
	if err := waitForDiscovery(ctx, disc, nodes); err != nil {
		return err
	}

	fmt.Println("bootstrapping the remaining nodes into the realm")
	for _, n := range append(append([]*demoNode{}, group1Members[1:]...), group2Members...) {
		if err := bootstrapMember(ctx, group1Members[0], n, newRealm.RealmId); err != nil {
			return fmt.Errorf("bootstrapping %s: %w", n.url, err)
		}
	}

	fmt.Println("forming the real 3-member group 1")
	group1Ids := hsmIds(group1Members)
	group1, err := cluster.NewGroup(ctx, disc, dialer, group1Members[0].client, group1Members[0].hsmId, group1Ids)
	if err != nil {
		return fmt.Errorf("forming group 1: %w", err)
	}
	fmt.Printf("group1=%s\n", group1.GroupId)

	fmt.Println("forming the real 3-member group 2")
	group2Ids := hsmIds(group2Members)
	group2, err := cluster.NewGroup(ctx, disc, dialer, group2Members[0].client, group2Members[0].hsmId, group2Ids)
	if err != nil {
		return fmt.Errorf("forming group 2: %w", err)
	}
	fmt.Printf("group2=%s\n", group2.GroupId)

	fmt.Println("transferring ownership of the entire record space from the realm's founding group to group 2")
	if err := cluster.Transfer(ctx, disc, dialer, group1Ids, group2Ids, cluster.TransferRequest{
		Realm: newRealm.RealmId, Source: newRealm.GroupId, Destination: group2.GroupId, Range: ids.FullOwnedRange(),
	}); err != nil {
		return fmt.Errorf("transferring range: %w", err)
	}
	fmt.Println("transfer complete; group 2 now owns the full range")

	leader, err := cluster.FindLeader(ctx, disc, dialer, group2Ids, newRealm.RealmId, group2.GroupId)
	if err != nil {
		return fmt.Errorf("finding group 2's leader: %w", err)
	}

	var rid ids.RecordId
	if _, err := rand.Read(rid[:]); err != nil {
		return err
	}
	tenant, user := "demo", "mario"
	hashedUser, err := rpcapi.NewHashedUserId(tenant, user)
	if err != nil {
		return err
	}

	app := func(kind hsm.AppRequestKind, body []byte) (rpcapi.AppResponse, error) {
		return leader.Client.App(ctx, rpcapi.AppRequest{
			Realm: newRealm.RealmId, Group: group2.GroupId, RecordId: rid,
			SessionId: uuid.New(), Kind: kind, Ciphertext: body,
			Tenant: tenant, User: hashedUser,
		})
	}

	fmt.Println()
	fmt.Println("registering a secret (pin 1234, 2 guesses allowed)")
	registerReq, err := statements.MarshalCanonical(hsm.Register2Request{Pin: []byte("1234"), Secret: []byte("teyla21"), NumGuesses: 2})
	if err != nil {
		return err
	}
	if _, err := app(hsm.KindRegister2, registerReq); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	fmt.Println("registered")

	recover := func(pin string) (hsm.Recover2Response, error) {
		req, err := statements.MarshalCanonical(hsm.Recover2Request{Pin: []byte(pin)})
		if err != nil {
			return hsm.Recover2Response{}, err
		}
		resp, err := app(hsm.KindRecover2, req)
		if err != nil {
			return hsm.Recover2Response{}, err
		}
		var out hsm.Recover2Response
		if err := statements.Unmarshal(resp.Ciphertext, &out); err != nil {
			return hsm.Recover2Response{}, err
		}
		return out, nil
	}

	fmt.Println()
	fmt.Println("recovering with the wrong pin (guess 1 of 2)")
	if resp, err := recover("1212"); err != nil {
		return err
	} else {
		fmt.Printf("ok=%v remaining=%d\n", resp.Ok, resp.Remaining)
	}

	fmt.Println()
	fmt.Println("recovering with the right pin")
	resp, err := recover("1234")
	if err != nil {
		return err
	}
	fmt.Printf("ok=%v secret=%q\n", resp.Ok, string(resp.Secret))

	fmt.Println()
	fmt.Println("re-registering and exhausting guesses to show lockout")
	if _, err := app(hsm.KindRegister2, registerReq); err != nil {
		return fmt.Errorf("re-register: %w", err)
	}
	for i := 0; i < 3; i++ {
		resp, err := recover("1212")
		if err != nil {
			return err
		}
		fmt.Printf("guess %d: ok=%v remaining=%d\n", i+1, resp.Ok, resp.Remaining)
	}
	fmt.Println("locked out: even the correct pin now fails")
	resp, err = recover("1234")
	if err != nil {
		return err
	}
	fmt.Printf("ok=%v remaining=%d\n", resp.Ok, resp.Remaining)

	return nil
}

func dial(url string) *rpcapi.Client {
	return rpcapi.NewClient(transport.NewNetworked(url, nil))
}

func hsmIds(nodes []*demoNode) []ids.HsmId {
	out := make([]ids.HsmId, len(nodes))
	for i, n := range nodes {
		out[i] = n.hsmId
	}
	return out
}

// bootstrapMember mints a throwaway two-member group naming founder and
// newMember, then has newMember install that configuration via
// JoinRealm/JoinGroup — the same sequence cmd/clusterctl's
// bootstrap-member/join-realm subcommands expose for an operator driving
// this one step at a time, collapsed into a single call here since this
// process already holds both nodes' clients.
func bootstrapMember(ctx context.Context, founder, newMember *demoNode, realmId ids.RealmId) error {
	resp, err := founder.client.NewGroup(ctx, rpcapi.NewGroupRequest{Members: []ids.HsmId{founder.hsmId, newMember.hsmId}})
	if err != nil {
		return err
	}
	if resp.ErrorKind != rpcapi.KindOk {
		return rpcapi.ErrorOf(resp.ErrorKind)
	}
	joinRealmResp, err := newMember.client.JoinRealm(ctx, rpcapi.JoinRealmRequest{RealmId: realmId, Config: resp.Config})
	if err != nil {
		return err
	}
	if joinRealmResp.ErrorKind != rpcapi.KindOk {
		return rpcapi.ErrorOf(joinRealmResp.ErrorKind)
	}
	joinGroupResp, err := newMember.client.JoinGroup(ctx, rpcapi.JoinGroupRequest{Config: resp.Config})
	if err != nil {
		return err
	}
	if joinGroupResp.ErrorKind != rpcapi.KindOk {
		return rpcapi.ErrorOf(joinGroupResp.ErrorKind)
	}
	return nil
}

func spawnNodes(ctx context.Context, count int, keyHex string) ([]*demoNode, error) {
	nodes := make([]*demoNode, 0, count)
	for i := 0; i < count; i++ {
		port := basePort + i
		addr := "127.0.0.1:" + strconv.Itoa(port)
		url := "http://" + addr
		name := "demo-" + strconv.Itoa(i)

		c := exec.CommandContext(ctx, agentBinary,
			"--name", name,
			"--listen", addr,
			"--url", url,
			"--realm-key", keyHex,
			"--discovery-redis", discoveryRedis,
		)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Start(); err != nil {
			return nodes, fmt.Errorf("starting %s: %w", name, err)
		}
		nodes = append(nodes, &demoNode{cmd: c, url: url, client: dial(url)})
	}
	return nodes, nil
}

func killAll(nodes []*demoNode) {
	for _, n := range nodes {
		if n.cmd.Process != nil {
			_ = n.cmd.Process.Kill()
		}
	}
}

func waitForAgents(ctx context.Context, nodes []*demoNode) error {
	for _, n := range nodes {
		deadline := time.Now().Add(10 * time.Second)
		for {
			status, err := n.client.Status(ctx)
			if err == nil {
				n.hsmId = status.HsmId
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("agent at %s never became ready", n.url)
			}
			time.Sleep(25 * time.Millisecond)
		}
	}
	return nil
}

func waitForDiscovery(ctx context.Context, disc discovery.Table, nodes []*demoNode) error {
	for _, n := range nodes {
		deadline := time.Now().Add(20 * time.Second)
		for {
			if _, err := disc.Lookup(ctx, n.hsmId); err == nil {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("%s never registered with discovery", n.url)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	return nil
}
