// Command acctool inspects and edits a shardgate account database offline.
// It opens the bolt file directly, so run it against a database the server
// is not currently holding open.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ember-shard/shardgate/pkg/accounts"
	"github.com/ember-shard/shardgate/pkg/accountstore"
)

func main() {
	var (
		dbPath   = flag.String("db", "data/accounts.db", "path to the bolt account database")
		list     = flag.Bool("list", false, "list all accounts")
		show     = flag.String("show", "", "print full detail for one account")
		create   = flag.String("create", "", "create an account (requires -pass)")
		setpass  = flag.String("setpass", "", "set a new password on an account (requires -pass)")
		pass     = flag.String("pass", "", "password for -create / -setpass")
		ban      = flag.String("ban", "", "ban an account")
		banHours = flag.Int("hours", 0, "ban duration in hours for -ban (0 = indefinite)")
		unban    = flag.String("unban", "", "lift a ban on an account")
		clearFP  = flag.String("clear-fp", "", "clear the stored hardware fingerprints on an account")
		access   = flag.String("access", "", "set access level (requires -level)")
		level    = flag.String("level", "", "access level name for -access")
		remove   = flag.String("delete", "", "delete an account")
		firewall = flag.Bool("firewall", false, "list the persisted firewall entries")
	)
	flag.Parse()

	store, err := accountstore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acctool: open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	mem := accounts.NewStore()
	if _, err := store.LoadAccounts(mem); err != nil {
		fmt.Fprintf(os.Stderr, "acctool: load accounts: %v\n", err)
		os.Exit(1)
	}

	switch {
	case *list:
		listAccounts(mem)
	case *show != "":
		showAccount(mem, *show)
	case *create != "":
		createAccount(store, mem, *create, *pass)
	case *setpass != "":
		setPassword(store, mem, *setpass, *pass)
	case *ban != "":
		banAccount(store, mem, *ban, *banHours)
	case *unban != "":
		unbanAccount(store, mem, *unban)
	case *clearFP != "":
		clearFingerprints(store, mem, *clearFP)
	case *access != "":
		setAccess(store, mem, *access, *level)
	case *remove != "":
		deleteAccount(store, *remove)
	case *firewall:
		listFirewall(store)
	default:
		fmt.Fprintln(os.Stderr, "acctool: no action given")
		flag.Usage()
		os.Exit(1)
	}
}

func mustGet(mem *accounts.Store, username string) *accounts.Account {
	a, ok := mem.Get(username)
	if !ok {
		fmt.Fprintf(os.Stderr, "acctool: no such account %q\n", username)
		os.Exit(1)
	}
	return a
}

func save(store *accountstore.Store, a *accounts.Account) {
	if err := store.SaveAccount(a); err != nil {
		fmt.Fprintf(os.Stderr, "acctool: save %s: %v\n", a.Username, err)
		os.Exit(1)
	}
}

func listAccounts(mem *accounts.Store) {
	all := mem.All()
	sort.Slice(all, func(i, j int) bool {
		return accounts.Key(all[i].Username) < accounts.Key(all[j].Username)
	})
	fmt.Printf("%-20s %-12s %-20s %-20s %s\n", "USERNAME", "ACCESS", "CREATED", "LAST LOGIN", "FLAGS")
	for _, a := range all {
		var flags []string
		if a.CheckBanned(time.Now()) {
			flags = append(flags, "banned")
		}
		if a.Watched {
			flags = append(flags, "watched")
		}
		if a.Infraction != accounts.InfractionNone {
			flags = append(flags, a.Infraction.String())
		}
		fmt.Printf("%-20s %-12s %-20s %-20s %s\n",
			a.Username, a.Access.String(),
			stamp(a.Created), stamp(a.LastLogin), strings.Join(flags, ","))
	}
	fmt.Printf("\n%d accounts\n", len(all))
}

func showAccount(mem *accounts.Store, username string) {
	a := mustGet(mem, username)
	fmt.Printf("Username:     %s\n", a.Username)
	fmt.Printf("Access:       %s\n", a.Access.String())
	fmt.Printf("Created:      %s\n", stamp(a.Created))
	fmt.Printf("Last login:   %s\n", stamp(a.LastLogin))
	fmt.Printf("Banned:       %v\n", a.Banned)
	if a.Banned {
		if a.BanDuration == 0 {
			fmt.Printf("  since %s, indefinite\n", stamp(a.BanStart))
		} else {
			fmt.Printf("  since %s, until %s\n", stamp(a.BanStart), stamp(a.BanStart.Add(a.BanDuration)))
		}
	}
	fmt.Printf("Watched:      %v", a.Watched)
	if a.Watched && a.WatchReason != "" {
		fmt.Printf(" (%s)", a.WatchReason)
	}
	fmt.Println()
	fmt.Printf("Infraction:   %s\n", a.Infraction.String())
	fmt.Printf("IP history:   %s\n", strings.Join(a.LoginIPHistory, ", "))
	if len(a.Fingerprints) > 0 {
		parts := make([]string, len(a.Fingerprints))
		for i, fp := range a.Fingerprints {
			parts[i] = fmt.Sprintf("%08x", fp)
		}
		fmt.Printf("Fingerprints: %s (first seen %s)\n", strings.Join(parts, " "), stamp(a.FingerprintFirstAcquired))
	}
	if len(a.AllowedIPs) > 0 {
		fmt.Printf("Allowed IPs:  %s\n", strings.Join(a.AllowedIPs, ", "))
	}
	if a.LogoutGrace != 0 {
		fmt.Printf("Logout grace: %s\n", a.LogoutGrace)
	}
	if a.ResetToken != "" {
		fmt.Printf("Reset token:  set\n")
	}
}

func createAccount(store *accountstore.Store, mem *accounts.Store, username, password string) {
	if password == "" {
		fmt.Fprintln(os.Stderr, "acctool: -create requires -pass")
		os.Exit(1)
	}
	a, err := mem.Create(username, password, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "acctool: create %s: %v\n", username, err)
		os.Exit(1)
	}
	save(store, a)
	fmt.Printf("created account %s\n", a.Username)
}

func setPassword(store *accountstore.Store, mem *accounts.Store, username, password string) {
	if password == "" {
		fmt.Fprintln(os.Stderr, "acctool: -setpass requires -pass")
		os.Exit(1)
	}
	a := mustGet(mem, username)
	if err := a.SetPassword(password); err != nil {
		fmt.Fprintf(os.Stderr, "acctool: set password: %v\n", err)
		os.Exit(1)
	}
	save(store, a)
	fmt.Printf("password updated for %s\n", a.Username)
}

func banAccount(store *accountstore.Store, mem *accounts.Store, username string, hours int) {
	a := mustGet(mem, username)
	a.Ban(time.Now(), time.Duration(hours)*time.Hour)
	save(store, a)
	if hours == 0 {
		fmt.Printf("banned %s indefinitely\n", a.Username)
	} else {
		fmt.Printf("banned %s for %dh\n", a.Username, hours)
	}
}

func unbanAccount(store *accountstore.Store, mem *accounts.Store, username string) {
	a := mustGet(mem, username)
	a.Unban()
	save(store, a)
	fmt.Printf("unbanned %s\n", a.Username)
}

func clearFingerprints(store *accountstore.Store, mem *accounts.Store, username string) {
	a := mustGet(mem, username)
	a.ClearFingerprints()
	save(store, a)
	fmt.Printf("cleared fingerprints for %s\n", a.Username)
}

func setAccess(store *accountstore.Store, mem *accounts.Store, username, levelName string) {
	lvl, ok := accounts.ParseAccessLevel(levelName)
	if !ok {
		fmt.Fprintf(os.Stderr, "acctool: unknown access level %q\n", levelName)
		os.Exit(1)
	}
	a := mustGet(mem, username)
	a.Access = lvl
	save(store, a)
	fmt.Printf("set %s access to %s\n", a.Username, lvl.String())
}

func deleteAccount(store *accountstore.Store, username string) {
	if err := store.DeleteAccount(username); err != nil {
		fmt.Fprintf(os.Stderr, "acctool: delete %s: %v\n", username, err)
		os.Exit(1)
	}
	fmt.Printf("deleted %s\n", username)
}

func listFirewall(store *accountstore.Store) {
	entries, err := store.FirewallEntries()
	if err != nil {
		fmt.Fprintf(os.Stderr, "acctool: firewall entries: %v\n", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	fmt.Printf("\n%d entries\n", len(entries))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}
