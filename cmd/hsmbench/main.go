// Command hsmbench stresses one realm's leader with concurrent
// register operations and reports throughput, grounded on
// original_source/src/bin/hsm_bench.rs: spawn a handful of agent
// processes, form a realm, then drive N concurrent registrations through
// it measuring registrations/s. Where the original spawns separate
// http_hsm and agent binaries per node (common/hsm_gen.rs), this spawns
// copies of this module's own cmd/agent binary, one process per node,
// since hsm and agent are a single process here.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/juicebox-realm/realmcore/cluster"
	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/rpcapi"
	"github.com/juicebox-realm/realmcore/transport"
)

var (
	agentBinary string
	nodeCount   int
	concurrency int
	opCount     int
	basePort    int
)

var rootCmd = &cobra.Command{
	Use:   "hsmbench",
	Short: "End-to-end benchmark stressing a realm leader with concurrent registrations",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&agentBinary, "agent-binary", "./agent", "path to a built cmd/agent binary")
	flags.IntVar(&nodeCount, "nodes", 1, "number of agent processes to spawn")
	flags.IntVar(&concurrency, "concurrency", 3, "number of registrations in flight at a time")
	flags.IntVar(&opCount, "count", 100, "total number of registrations to perform")
	flags.IntVar(&basePort, "base-port", 4000, "first port to bind spawned agents to")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type spawnedNode struct {
	cmd *exec.Cmd
	url string
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Printf("spawning %d agent process(es)\n", nodeCount)
	nodes, err := spawnNodes(ctx)
	defer killAll(nodes)
	if err != nil {
		return err
	}

	if err := waitForAgents(ctx, nodes); err != nil {
		return err
	}

	founder := rpcapi.NewClient(transport.NewNetworked(nodes[0].url, nil))
	fmt.Println("forming realm")
	newRealm, err := cluster.NewRealm(ctx, founder)
	if err != nil {
		return fmt.Errorf("forming realm: %w", err)
	}
	fmt.Printf("realm=%s group=%s\n", newRealm.RealmId, newRealm.GroupId)

	tenant := "hsmbench"
	register := func(i int) error {
		recordId, user := recordFor(tenant, fmt.Sprintf("user-%d", i))
		req := hsm.Register2Request{
			Pin:        []byte(fmt.Sprintf("pin-%d", i)),
			Secret:     []byte(fmt.Sprintf("secret-%d", i)),
			NumGuesses: 10,
		}
		body, err := encodeRegister2(req)
		if err != nil {
			return err
		}
		resp, err := founder.App(ctx, rpcapi.AppRequest{
			Realm: newRealm.RealmId, Group: newRealm.GroupId, RecordId: recordId,
			SessionId: uuid.New(), Kind: hsm.KindRegister2, Ciphertext: body,
			Tenant: tenant, User: user,
		})
		if err != nil {
			return err
		}
		if resp.ErrorKind != rpcapi.KindOk {
			return rpcapi.ErrorOf(resp.ErrorKind)
		}
		return nil
	}

	fmt.Println("running one warmup registration")
	if err := register(-1); err != nil {
		return fmt.Errorf("warmup registration: %w", err)
	}

	fmt.Printf("running %d registrations at concurrency %d\n", opCount, concurrency)
	start := time.Now()
	var completed int64
	errCh := make(chan error, opCount)

	sem := make(chan struct{}, concurrency)
	done := make(chan struct{}, opCount)
	for i := 0; i < opCount; i++ {
		i := i
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			if err := register(i); err != nil {
				errCh <- err
				return
			}
			atomic.AddInt64(&completed, 1)
		}()
	}
	for i := 0; i < opCount; i++ {
		<-done
	}
	close(errCh)
	if err, ok := <-errCh; ok {
		return fmt.Errorf("registration failed: %w", err)
	}

	elapsed := time.Since(start).Seconds()
	fmt.Printf("completed %d registrations in %.2fs (%.1f/s)\n", completed, elapsed, float64(completed)/elapsed)
	return nil
}

func recordFor(tenant, user string) (ids.RecordId, rpcapi.HashedUserId) {
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{':'})
	h.Write([]byte(user))
	sum := h.Sum(nil)
	var recordId ids.RecordId
	copy(recordId[:], sum)
	hashed, _ := rpcapi.NewHashedUserId(tenant, user)
	return recordId, hashed
}

func encodeRegister2(req hsm.Register2Request) ([]byte, error) {
	return (hsm.PlaintextCodec{}).EncodeResponse(hsm.KindRegister2, req)
}

func spawnNodes(ctx context.Context) ([]*spawnedNode, error) {
	nodes := make([]*spawnedNode, 0, nodeCount)
	for i := 0; i < nodeCount; i++ {
		port := basePort + i
		addr := "127.0.0.1:" + strconv.Itoa(port)
		url := "http://" + addr
		name := "bench-" + strconv.Itoa(i)

		c := exec.CommandContext(ctx, agentBinary,
			"--name", name,
			"--listen", addr,
			"--url", url,
		)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Start(); err != nil {
			return nodes, fmt.Errorf("starting %s: %w", name, err)
		}
		nodes = append(nodes, &spawnedNode{cmd: c, url: url})
	}
	return nodes, nil
}

func killAll(nodes []*spawnedNode) {
	for _, n := range nodes {
		if n.cmd.Process != nil {
			_ = n.cmd.Process.Kill()
		}
	}
}

func waitForAgents(ctx context.Context, nodes []*spawnedNode) error {
	client := &http.Client{Timeout: 2 * time.Second}
	for _, n := range nodes {
		deadline := time.Now().Add(10 * time.Second)
		for {
			c := rpcapi.NewClient(transport.NewNetworked(n.url, client))
			if _, err := c.Status(ctx); err == nil {
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
