package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/obs"
	"github.com/inpassing/liveorg/internal/orgdb"
	"github.com/inpassing/liveorg/internal/queue"
	"github.com/inpassing/liveorg/internal/registry"
	"github.com/inpassing/liveorg/internal/resolver"
	"github.com/inpassing/liveorg/internal/rules"
	"github.com/inpassing/liveorg/internal/store"
	"github.com/inpassing/liveorg/internal/uds"
	"github.com/inpassing/liveorg/internal/worker"
	"github.com/inpassing/liveorg/internal/yaml"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "resolve":
		runResolve(os.Args[2:])
	case "fix":
		runFix(os.Args[2:])
	case "rules":
		runRules(os.Args[2:])
	case "sequence":
		runSequence(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "dequeue":
		runDequeue(os.Args[2:])
	case "refresh":
		runRefresh(os.Args[2:])
	case "cycle":
		runCycle(os.Args[2:])
	case "reconcile":
		runReconcile(os.Args[2:])
	case "org":
		runOrg(os.Args[2:])
	case "version":
		fmt.Printf("liveorg %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `liveorg %s — live parking-pass scheduling

Usage: liveorg <command> [options]

Setup:
  init [dir]                       Write a default config.yaml
  org create --name <n>            Register an organization
  org add-state --org <id> --identifier <s> [--greeting <s>]
  org add-user --org <id> --email <e> [--name <n>] [--moderator]

Schedule (moderator):
  sequence set --org <id> --states <id,id,...>
  fix --org <id> --date <YYYY-MM-DD> --state <id>
  rules add|set --org <id> --pattern <p> [--incrday] --rule <r> [--rule <r>]...
  rules remove --org <id> --pattern <p>
  rules list --org <id>
  resolve --org <id> --date <YYYY-MM-DD>

Queues (participant):
  enqueue --org <id> --date <YYYY-MM-DD> --user <id>|--pass <id>
  dequeue --org <id> --date <YYYY-MM-DD> --user <id>|--pass <id>
  refresh --org <id> --date <YYYY-MM-DD> --user <id>|--pass <id>

Operations:
  worker [--config <path>]         Run the scheduling daemon
  worker status|ping|stop          Talk to a running daemon
  worker reconcile                 Ask the daemon to repair its registries
  cycle --org <id>                 Rotate the active registry once
  reconcile --org <id>             Repair registry divergence
  version                          Print version

Common options:
  --config <path>                  Config file (default config.yaml)
`, version)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// argValue consumes the value following a flag in a manual parse loop.
func argValue(args []string, i *int, flag string) string {
	if *i+1 >= len(args) {
		fatalf("%s requires a value", flag)
	}
	*i++
	return args[*i]
}

func argInt64(args []string, i *int, flag string) int64 {
	v := argValue(args, i, flag)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		fatalf("invalid %s value: %s", flag, v)
	}
	return n
}

// commonFlags holds the flags shared by the store-facing commands.
type commonFlags struct {
	configPath string
	orgID      int64
	date       time.Time
	hasDate    bool
	userID     int64
	hasUser    bool
	passID     int64
	hasPass    bool
	stateID    int64
	hasState   bool
	pattern    string
	incrDay    bool
	ruleTexts  []string
	states     string
	rest       []string
}

func parseCommon(args []string) commonFlags {
	f := commonFlags{configPath: "config.yaml"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			f.configPath = argValue(args, &i, "--config")
		case "--org":
			f.orgID = argInt64(args, &i, "--org")
		case "--date":
			v := argValue(args, &i, "--date")
			d, err := model.ParseDate(v)
			if err != nil {
				fatalf("invalid --date value: %s", v)
			}
			f.date = d
			f.hasDate = true
		case "--user":
			f.userID = argInt64(args, &i, "--user")
			f.hasUser = true
		case "--pass":
			f.passID = argInt64(args, &i, "--pass")
			f.hasPass = true
		case "--state":
			f.stateID = argInt64(args, &i, "--state")
			f.hasState = true
		case "--pattern":
			f.pattern = argValue(args, &i, "--pattern")
		case "--incrday":
			f.incrDay = true
		case "--rule":
			f.ruleTexts = append(f.ruleTexts, argValue(args, &i, "--rule"))
		case "--states":
			f.states = argValue(args, &i, "--states")
		default:
			f.rest = append(f.rest, args[i])
		}
	}
	return f
}

type env struct {
	cfg    model.Config
	logger *obs.Logger
	store  *store.Store
}

func loadOrDefault(configPath string) model.Config {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fatalf("load config: %v", err)
		}
		// No config file: run on defaults.
		cfg = model.Config{}
		cfg.Normalize()
	}
	return cfg
}

func newEnv(configPath string) *env {
	cfg := loadOrDefault(configPath)
	logger := obs.NewLogger(os.Stderr, "liveorg", obs.ParseLogLevel(cfg.Logging.Level))
	return &env{cfg: cfg, logger: logger, store: store.New(cfg.Store, logger, nil)}
}

func (e *env) close() { e.store.Close() }

func (e *env) openDirectory(ctx context.Context) *orgdb.DB {
	if e.cfg.Directory.Path == "" {
		return nil
	}
	db, err := orgdb.Open(ctx, orgdb.Config{Path: e.cfg.Directory.Path})
	if err != nil {
		fatalf("open directory db: %v", err)
	}
	return db
}

func requireOrg(f commonFlags) {
	if f.orgID == 0 {
		fatalf("--org is required")
	}
}

func requireDate(f commonFlags) {
	if !f.hasDate {
		fatalf("--date is required")
	}
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		fatalf("create %s: %v", dir, err)
	}

	cfg := model.Config{}
	cfg.Normalize()
	cfg.Directory.Path = "liveorg.db"
	cfg.Worker.MetricsAddr = "localhost:9321"
	cfg.Worker.LockPath = "liveorg.lock"
	cfg.Worker.SocketPath = uds.DefaultSocketName

	path := dir + string(os.PathSeparator) + "config.yaml"
	if _, err := os.Stat(path); err == nil {
		fatalf("%s already exists", path)
	}
	if err := yaml.AtomicWrite(path, cfg); err != nil {
		fatalf("write config: %v", err)
	}
	fmt.Printf("wrote %s\n", path)
}

func runWorker(args []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		switch args[0] {
		case "status", "ping", "reconcile":
			workerControl(args[0], args[1:])
		case "stop":
			workerControl("shutdown", args[1:])
		default:
			fatalf("unknown worker subcommand: %s", args[0])
		}
		return
	}

	f := parseCommon(args)

	cfg, err := model.LoadConfig(f.configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	logger := obs.NewLogger(os.Stderr, "liveorg", obs.ParseLogLevel(cfg.Logging.Level))
	metrics := obs.NewMetrics(nil)
	s := store.New(cfg.Store, logger, metrics)
	defer s.Close()

	w := worker.New(f.configPath, cfg, s, logger, metrics)
	if err := w.Run(); err != nil {
		fatalf("worker: %v", err)
	}
}

// workerControl sends one command over the control socket of a running
// worker and prints the reply.
func workerControl(command string, args []string) {
	f := parseCommon(args)

	cfg, err := model.LoadConfig(f.configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if cfg.Worker.SocketPath == "" {
		fatalf("no socket_path configured; the worker has no control socket")
	}

	client := uds.NewClient(cfg.Worker.SocketPath)
	client.SetTimeout(10 * time.Second)
	resp, err := client.SendCommand(command, nil)
	if err != nil {
		fatalf("%v", err)
	}
	if !resp.Success {
		fatalf("worker refused %s: [%s] %s", command, resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Data) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, resp.Data, "", "  "); err != nil {
			fmt.Println(string(resp.Data))
			return
		}
		fmt.Println(buf.String())
	}
}

func runResolve(args []string) {
	f := parseCommon(args)
	requireOrg(f)
	requireDate(f)
	e := newEnv(f.configPath)
	defer e.close()
	ctx := context.Background()

	res := resolver.New(e.store, f.orgID, e.logger, nil)
	stateID, err := res.DaystateID(ctx, f.date)
	if err != nil {
		fatalf("resolve: %v", err)
	}
	fmt.Printf("%s state=%d\n", model.FormatDate(f.date), stateID)

	rs, ok, err := res.OperativeRuleSet(ctx, f.date)
	if err != nil {
		fatalf("resolve: %v", err)
	}
	if ok {
		fmt.Printf("rule set: pattern=%s incrday=%v rules=%d\n", rs.Pattern, rs.IncrDay, len(rs.Rules))
	}
}

func runFix(args []string) {
	f := parseCommon(args)
	requireOrg(f)
	requireDate(f)
	if !f.hasState {
		fatalf("--state is required")
	}
	e := newEnv(f.configPath)
	defer e.close()
	ctx := context.Background()

	if db := e.openDirectory(ctx); db != nil {
		defer db.Close()
		exists, err := db.DaystateExists(ctx, f.orgID, f.stateID)
		if err != nil {
			fatalf("fix: %v", err)
		}
		if !exists {
			fatalf("fix: state %d is not defined for org %d", f.stateID, f.orgID)
		}
	}

	res := resolver.New(e.store, f.orgID, e.logger, nil)
	fix := model.FixedDaystate{Date: f.date, StateID: f.stateID}
	if err := res.PushFixedDaystate(ctx, fix); err != nil {
		fatalf("fix: %v", err)
	}
	fmt.Printf("anchored %s\n", fix)
}

func runRules(args []string) {
	if len(args) < 1 {
		fatalf("usage: liveorg rules <add|set|remove|list> [options]")
	}
	sub := args[0]
	f := parseCommon(args[1:])
	requireOrg(f)
	e := newEnv(f.configPath)
	defer e.close()
	ctx := context.Background()
	res := resolver.New(e.store, f.orgID, e.logger, nil)

	switch sub {
	case "add", "set":
		if f.pattern == "" {
			fatalf("--pattern is required")
		}
		if len(f.ruleTexts) == 0 {
			fatalf("at least one --rule is required")
		}
		rs := rules.RuleSet{Pattern: f.pattern, IncrDay: f.incrDay}
		for _, text := range f.ruleTexts {
			rule, err := rules.Parse(text)
			if err != nil {
				fatalf("rules %s: %v", sub, err)
			}
			rs.Rules = append(rs.Rules, rule)
		}
		var err error
		if sub == "add" {
			err = res.AddRuleSet(ctx, rs)
		} else {
			err = res.SetRuleSet(ctx, rs)
		}
		if err != nil {
			fatalf("rules %s: %v", sub, err)
		}
		fmt.Printf("stored rule set pattern=%s\n", f.pattern)
	case "remove":
		if f.pattern == "" {
			fatalf("--pattern is required")
		}
		found, err := res.RemoveRuleSet(ctx, f.pattern)
		if err != nil {
			fatalf("rules remove: %v", err)
		}
		if !found {
			fatalf("no rule set stored for pattern %s", f.pattern)
		}
		fmt.Printf("removed rule set pattern=%s\n", f.pattern)
	case "list":
		singleUse, reoccurring, err := res.RuleSets(ctx)
		if err != nil {
			fatalf("rules list: %v", err)
		}
		printRuleSets("single-use", singleUse)
		printRuleSets("reoccurring", reoccurring)
	default:
		fatalf("unknown rules subcommand: %s", sub)
	}
}

func printRuleSets(label string, sets []rules.RuleSet) {
	fmt.Printf("%s (%d):\n", label, len(sets))
	for _, rs := range sets {
		texts := make([]string, len(rs.Rules))
		for i, r := range rs.Rules {
			texts[i] = r.String()
		}
		fmt.Printf("  pattern=%s incrday=%v rules=[%s]\n", rs.Pattern, rs.IncrDay, strings.Join(texts, " "))
	}
}

func runSequence(args []string) {
	if len(args) < 1 || args[0] != "set" {
		fatalf("usage: liveorg sequence set --org <id> --states <id,id,...>")
	}
	f := parseCommon(args[1:])
	requireOrg(f)
	if f.states == "" {
		fatalf("--states is required")
	}

	var ids []int64
	for _, part := range strings.Split(f.states, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			fatalf("invalid --states value: %s", f.states)
		}
		ids = append(ids, id)
	}

	e := newEnv(f.configPath)
	defer e.close()
	ctx := context.Background()

	// The directory is the durable source; the store key is its mirror.
	if db := e.openDirectory(ctx); db != nil {
		defer db.Close()
		if err := db.SetDaystateSequence(ctx, f.orgID, ids); err != nil {
			fatalf("sequence set: %v", err)
		}
	}

	res := resolver.New(e.store, f.orgID, e.logger, nil)
	if err := res.SetSequence(ctx, ids); err != nil {
		fatalf("sequence set: %v", err)
	}
	fmt.Printf("sequence for org %d is now %s\n", f.orgID, f.states)
}

func runEnqueue(args []string) {
	f := parseCommon(args)
	requireOrg(f)
	requireDate(f)
	e := newEnv(f.configPath)
	defer e.close()
	ctx := context.Background()

	reg := registry.New(e.store, f.orgID, e.logger, nil)
	q := queue.New(e.store, f.orgID, reg, e.logger, nil)

	switch {
	case f.hasUser:
		result, err := q.EnqueueUserBorrow(ctx, f.date, f.userID)
		if err != nil {
			fatalf("enqueue: %v", err)
		}
		fmt.Printf("user %d %s for %s\n", f.userID, result, model.FormatDate(f.date))
	case f.hasPass:
		result, err := q.EnqueuePassLend(ctx, f.date, f.passID)
		if err != nil {
			fatalf("enqueue: %v", err)
		}
		fmt.Printf("pass %d %s for %s\n", f.passID, result, model.FormatDate(f.date))
	default:
		fatalf("--user or --pass is required")
	}
}

func runDequeue(args []string) {
	f := parseCommon(args)
	requireOrg(f)
	requireDate(f)
	e := newEnv(f.configPath)
	defer e.close()
	ctx := context.Background()

	reg := registry.New(e.store, f.orgID, e.logger, nil)
	q := queue.New(e.store, f.orgID, reg, e.logger, nil)

	var removed bool
	var err error
	var label string
	switch {
	case f.hasUser:
		removed, err = q.DequeueUserBorrow(ctx, f.date, f.userID)
		label = fmt.Sprintf("user %d", f.userID)
	case f.hasPass:
		removed, err = q.DequeuePassLend(ctx, f.date, f.passID)
		label = fmt.Sprintf("pass %d", f.passID)
	default:
		fatalf("--user or --pass is required")
	}
	if err != nil {
		fatalf("dequeue: %v", err)
	}
	if !removed {
		fmt.Printf("%s was not enqueued for %s\n", label, model.FormatDate(f.date))
		return
	}
	fmt.Printf("%s dequeued for %s\n", label, model.FormatDate(f.date))
}

func runRefresh(args []string) {
	f := parseCommon(args)
	requireOrg(f)
	requireDate(f)
	e := newEnv(f.configPath)
	defer e.close()
	ctx := context.Background()

	reg := registry.New(e.store, f.orgID, e.logger, nil)
	q := queue.New(e.store, f.orgID, reg, e.logger, nil)

	switch {
	case f.hasUser:
		if err := q.RefreshUser(ctx, f.date, f.userID); err != nil {
			fatalf("refresh: %v", err)
		}
		fmt.Printf("user %d refreshed for %s\n", f.userID, model.FormatDate(f.date))
	case f.hasPass:
		if err := q.RefreshPass(ctx, f.date, f.passID); err != nil {
			fatalf("refresh: %v", err)
		}
		fmt.Printf("pass %d refreshed for %s\n", f.passID, model.FormatDate(f.date))
	default:
		fatalf("--user or --pass is required")
	}
}

func runCycle(args []string) {
	f := parseCommon(args)
	requireOrg(f)
	e := newEnv(f.configPath)
	defer e.close()

	reg := registry.New(e.store, f.orgID, e.logger, nil)
	date, ok, err := reg.Cycle(context.Background())
	if err != nil {
		fatalf("cycle: %v", err)
	}
	if !ok {
		fmt.Println("registry is empty")
		return
	}
	fmt.Printf("cycled to %s\n", model.FormatDate(date))
}

func runReconcile(args []string) {
	f := parseCommon(args)
	requireOrg(f)
	e := newEnv(f.configPath)
	defer e.close()

	reg := registry.New(e.store, f.orgID, e.logger, nil)
	restored, err := reg.Reconcile(context.Background())
	if err != nil {
		fatalf("reconcile: %v", err)
	}
	if len(restored) == 0 {
		fmt.Println("registry is consistent")
		return
	}
	fmt.Printf("restored %d dates: %s\n", len(restored), strings.Join(restored, " "))
}

func runOrg(args []string) {
	if len(args) < 1 {
		fatalf("usage: liveorg org <create|add-state|add-user> [options]")
	}
	sub := args[0]
	rest := args[1:]

	switch sub {
	case "create":
		runOrgCreate(rest)
	case "add-state":
		runOrgAddState(rest)
	case "add-user":
		runOrgAddUser(rest)
	default:
		fatalf("unknown org subcommand: %s", sub)
	}
}

func orgDirectory(f commonFlags) *orgdb.DB {
	cfg := loadOrDefault(f.configPath)
	if cfg.Directory.Path == "" {
		fatalf("directory.path is not configured")
	}
	db, err := orgdb.Open(context.Background(), orgdb.Config{Path: cfg.Directory.Path})
	if err != nil {
		fatalf("open directory db: %v", err)
	}
	return db
}

func runOrgCreate(args []string) {
	var name string
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--name" {
			name = argValue(args, &i, "--name")
			continue
		}
		rest = append(rest, args[i])
	}
	if name == "" {
		fatalf("--name is required")
	}
	f := parseCommon(rest)
	db := orgDirectory(f)
	defer db.Close()

	id, err := db.CreateOrg(context.Background(), name)
	if err != nil {
		fatalf("org create: %v", err)
	}
	fmt.Printf("created org %d (%s)\n", id, name)
}

func runOrgAddState(args []string) {
	var identifier, greeting string
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--identifier":
			identifier = argValue(args, &i, "--identifier")
		case "--greeting":
			greeting = argValue(args, &i, "--greeting")
		default:
			rest = append(rest, args[i])
		}
	}
	f := parseCommon(rest)
	requireOrg(f)
	if identifier == "" {
		fatalf("--identifier is required")
	}
	db := orgDirectory(f)
	defer db.Close()

	id, err := db.AddDaystate(context.Background(), f.orgID, identifier, greeting)
	if err != nil {
		fatalf("org add-state: %v", err)
	}
	fmt.Printf("created day-state %d (%s) for org %d\n", id, identifier, f.orgID)
}

func runOrgAddUser(args []string) {
	var email, name string
	var moderator bool
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--email":
			email = argValue(args, &i, "--email")
		case "--name":
			name = argValue(args, &i, "--name")
		case "--moderator":
			moderator = true
		default:
			rest = append(rest, args[i])
		}
	}
	f := parseCommon(rest)
	requireOrg(f)
	if email == "" {
		fatalf("--email is required")
	}
	db := orgDirectory(f)
	defer db.Close()
	ctx := context.Background()

	userID, err := db.AddUser(ctx, email, name)
	if err != nil {
		fatalf("org add-user: %v", err)
	}
	if err := db.JoinOrg(ctx, f.orgID, userID, moderator); err != nil {
		fatalf("org add-user: %v", err)
	}
	fmt.Printf("created user %d (%s) in org %d moderator=%v\n", userID, email, f.orgID, moderator)
}
