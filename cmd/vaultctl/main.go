package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/OldEphraim/strategy-vault/client"
	"github.com/OldEphraim/strategy-vault/utils/config"
	"github.com/OldEphraim/strategy-vault/vault"
)

const usage = `Usage: vaultctl <command> [flags]

Commands:
  keygen                                   print a new private key and address
  whoami                                   print the signing address and strategy address
  init        -name -desc -fee             create your strategy
  update      [-name] [-desc] [-active]    update your strategy metadata
  subscribe   -strategy -deposit           open a position
  trade       -position -amount -pnl       record a trade on your strategy
  settle      -strategy                    settle performance fees on your position
  unsubscribe -strategy                    close your position
  transfer    -to -amount                  send native value
  airdrop     [-to] -amount                mint test value (dev faucet only)
  strategy    -address                     show one strategy
  strategies  [-active]                    list strategies
  marketplace                              list active strategies from the index
  positions   [-strategy | -subscriber]    list positions
  balance     [-address]                   show a balance
  events      [-after] [-limit]            page through the journal
  watch       [-strategy] [-account]       stream events

Environment: VAULT_API_URL, VAULT_PRIVATE_KEY, VAULT_PROGRAM_ID, API_KEY`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	_ = godotenv.Load()

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "keygen" {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("VAULT_PRIVATE_KEY=%s\n", hex.EncodeToString(crypto.FromECDSA(key)))
		fmt.Printf("address: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
		return
	}

	c, err := newClient()
	if err != nil {
		log.Fatal("Failed to initialize client: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, cmd, args); err != nil {
		log.Fatal(err)
	}
}

func newClient() (*client.VaultClient, error) {
	apiURL := os.Getenv("VAULT_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	programID := os.Getenv("VAULT_PROGRAM_ID")
	if programID == "" {
		programID = config.DefaultProgramID
	}
	if !common.IsHexAddress(programID) {
		return nil, fmt.Errorf("invalid VAULT_PROGRAM_ID %q", programID)
	}
	key := os.Getenv("VAULT_PRIVATE_KEY")
	if key == "" {
		return nil, fmt.Errorf("VAULT_PRIVATE_KEY must be set (see vaultctl keygen)")
	}
	c, err := client.NewVaultClient(apiURL, key, common.HexToAddress(programID))
	if err != nil {
		return nil, err
	}
	return c.WithAPIKey(os.Getenv("API_KEY")), nil
}

type addrFlag struct{ addr common.Address }

func (a *addrFlag) String() string { return a.addr.Hex() }

func (a *addrFlag) Set(s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("not a hex address: %q", s)
	}
	a.addr = common.HexToAddress(s)
	return nil
}

func (a *addrFlag) required(name string) common.Address {
	if a.addr == (common.Address{}) {
		log.Fatalf("Error: -%s flag is required", name)
	}
	return a.addr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func run(ctx context.Context, c *client.VaultClient, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var strategy, position, subscriber, to, address, account addrFlag
	name := fs.String("name", "", "strategy name")
	desc := fs.String("desc", "", "strategy description")
	fee := fs.Uint("fee", 0, "performance fee in basis points (max 5000)")
	active := fs.String("active", "", "true or false")
	deposit := fs.Uint64("deposit", vault.MinStakeAmount, "deposit in base units")
	amount := fs.Uint64("amount", 0, "amount in base units")
	pnl := fs.Int64("pnl", 0, "profit (positive) or loss (negative) in base units")
	after := fs.Int64("after", 0, "return events after this sequence number")
	limit := fs.Int("limit", 100, "max events")
	fs.Var(&strategy, "strategy", "strategy address")
	fs.Var(&position, "position", "position address")
	fs.Var(&subscriber, "subscriber", "subscriber address")
	fs.Var(&to, "to", "recipient address")
	fs.Var(&address, "address", "account address")
	fs.Var(&account, "account", "account filter")
	_ = fs.Parse(args)

	switch cmd {
	case "whoami":
		st, err := c.StrategyAddress()
		if err != nil {
			return err
		}
		fmt.Printf("address:  %s\nstrategy: %s\n", c.Address().Hex(), st.Hex())
		return nil

	case "init":
		if *name == "" {
			log.Fatal("Error: -name flag is required")
		}
		if *fee > vault.MaxFeeBps {
			log.Fatalf("Error: fee must be at most %d bps", vault.MaxFeeBps)
		}
		st, err := c.InitializeStrategy(ctx, *name, *desc, uint16(*fee))
		if err != nil {
			return err
		}
		return printJSON(st)

	case "update":
		var patch vault.StrategyPatch
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "name":
				patch.Name = vault.Some(*name)
			case "desc":
				patch.Description = vault.Some(*desc)
			case "active":
				patch.IsActive = vault.Some(*active == "true")
			}
		})
		st, err := c.UpdateStrategy(ctx, patch)
		if err != nil {
			return err
		}
		return printJSON(st)

	case "subscribe":
		pos, err := c.Subscribe(ctx, strategy.required("strategy"), *deposit)
		if err != nil {
			return err
		}
		return printJSON(pos)

	case "trade":
		pos, err := c.ExecuteTrade(ctx, position.required("position"), *amount, *pnl)
		if err != nil {
			return err
		}
		return printJSON(pos)

	case "settle":
		pos, err := c.SettleFees(ctx, strategy.required("strategy"))
		if err != nil {
			return err
		}
		return printJSON(pos)

	case "unsubscribe":
		withdrawn, err := c.Unsubscribe(ctx, strategy.required("strategy"))
		if err != nil {
			return err
		}
		fmt.Printf("withdrawn: %d\n", withdrawn)
		return nil

	case "transfer":
		if *amount == 0 {
			log.Fatal("Error: -amount must be greater than 0")
		}
		return c.Transfer(ctx, to.required("to"), *amount)

	case "airdrop":
		dst := to.addr
		if dst == (common.Address{}) {
			dst = c.Address()
		}
		return c.Airdrop(ctx, dst, *amount)

	case "strategy":
		st, err := c.GetStrategy(ctx, address.required("address"))
		if err != nil {
			return err
		}
		return printJSON(st)

	case "strategies":
		list, err := c.ListStrategies(ctx, *active == "true")
		if err != nil {
			return err
		}
		return printJSON(list)

	case "marketplace":
		list, err := c.Marketplace(ctx)
		if err != nil {
			return err
		}
		return printJSON(list)

	case "positions":
		var (
			list []client.PositionView
			err  error
		)
		if strategy.addr != (common.Address{}) {
			list, err = c.StrategyPositions(ctx, strategy.addr, *active == "true")
		} else {
			who := subscriber.addr
			if who == (common.Address{}) {
				who = c.Address()
			}
			list, err = c.UserPositions(ctx, who, *active == "true")
		}
		if err != nil {
			return err
		}
		return printJSON(list)

	case "balance":
		who := address.addr
		if who == (common.Address{}) {
			who = c.Address()
		}
		bal, err := c.Balance(ctx, who)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d\n", who.Hex(), bal)
		return nil

	case "events":
		evs, err := c.Events(ctx, *after, *limit)
		if err != nil {
			return err
		}
		return printJSON(evs)

	case "watch":
		apiURL := os.Getenv("VAULT_API_URL")
		if apiURL == "" {
			apiURL = "http://localhost:8080"
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		es, err := client.DialEvents(dialCtx, apiURL, strategy.addr, account.addr)
		cancel()
		if err != nil {
			return err
		}
		defer es.Close()
		for ev := range es.Listen(ctx) {
			fmt.Printf("#%d %s strategy=%s account=%s %s\n",
				ev.Seq, ev.Type, ev.Strategy.Hex(), ev.Account.Hex(), string(ev.Data))
		}
		return nil
	}

	fmt.Println(usage)
	return fmt.Errorf("unknown command %q", cmd)
}
