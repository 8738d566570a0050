package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ShadiChat/internal/api"
	"ShadiChat/internal/cache"
	"ShadiChat/internal/locale"
	"ShadiChat/internal/session"
)

// handleCommand runs one slash command; it reports true when the shell should exit
func (a *App) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	args := parts[1:]

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/login":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /login <google-id-token>")
		}
		return false, a.login(ctx, args[0])

	case "/logout":
		a.store.Logout(ctx)
		a.nav.Go("login")
		a.println("Signed out")

	case "/whoami":
		a.whoami()

	case "/open":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /open <conversation-or-user-id>")
		}
		entries, err := a.chat.Select(ctx, args[0])
		if err != nil {
			return false, err
		}
		a.nav.Go("chat", args[0])
		a.printf("Opened %s (%d messages)\n", args[0], len(entries))
		a.printEntries(entries)

	case "/close":
		a.chat.Deselect()
		a.nav.Go("dashboard")

	case "/history":
		if a.chat.Active() == "" {
			return false, fmt.Errorf("no conversation open, use /open <id>")
		}
		a.printEntries(a.chat.Messages())

	case "/profile":
		var p *api.Profile
		var err error
		if len(args) == 0 {
			p, err = a.client.MyProfile(ctx)
		} else {
			p, err = a.client.Profile(ctx, args[0])
		}
		if err != nil {
			return false, err
		}
		a.println(formatProfile(p.ProfileSummary))

	case "/search":
		params, err := parseParams(args)
		if err != nil {
			return false, err
		}
		profiles, err := a.client.SearchProfiles(ctx, params)
		if err != nil {
			return false, err
		}
		if len(profiles) == 0 {
			a.println("No matches found.")
		}
		for i, p := range profiles {
			a.printf("%d. %s\n", i+1, formatProfile(p.ProfileSummary))
		}

	case "/onboard":
		fields, err := parseFields(args)
		if err != nil {
			return false, err
		}
		p, err := a.client.CreateProfile(ctx, fields)
		if err != nil {
			return false, err
		}
		a.nav.Go("dashboard")
		a.printf("Profile created: %s\n", formatProfile(p.ProfileSummary))

	case "/editprofile":
		section := ""
		if len(args) > 0 && !strings.Contains(args[0], "=") {
			section, args = args[0], args[1:]
		}
		fields, err := parseFields(args)
		if err != nil {
			return false, err
		}
		if section == "" {
			err = a.client.UpdateProfile(ctx, fields)
		} else {
			err = a.client.UpdateProfileSection(ctx, section, fields)
		}
		if err != nil {
			return false, err
		}
		a.println("Profile updated")

	case "/photo":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /photo <path>")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return false, fmt.Errorf("failed to open photo: %w", err)
		}
		defer f.Close()
		media, err := a.client.UploadProfilePhoto(ctx, filepath.Base(args[0]), f)
		if err != nil {
			return false, err
		}
		a.printf("Photo uploaded: %s\n", media.URL)

	case "/documents":
		docs, err := a.client.Documents(ctx)
		if err != nil {
			return false, err
		}
		if len(docs) == 0 {
			a.println("No documents uploaded.")
		}
		for _, d := range docs {
			a.printf("%s %s [%s]\n", d.ID, d.DocumentType, d.Status)
		}

	case "/upload":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: /upload <document-type> <path>")
		}
		f, err := os.Open(args[1])
		if err != nil {
			return false, fmt.Errorf("failed to open document: %w", err)
		}
		defer f.Close()
		doc, err := a.client.UploadDocument(ctx, args[0], filepath.Base(args[1]), f)
		if err != nil {
			return false, err
		}
		a.printf("Uploaded %s (%s)\n", doc.ID, doc.Status)

	case "/rmdoc":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /rmdoc <document-id>")
		}
		if err := a.client.DeleteDocument(ctx, args[0]); err != nil {
			return false, err
		}
		a.println("Document deleted")

	case "/interest":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /interest <profile-id>")
		}
		if err := a.client.SendInterest(ctx, args[0]); err != nil {
			return false, err
		}
		a.println("Interest sent")

	case "/interests":
		interests, err := a.client.Interests(ctx)
		if err != nil {
			return false, err
		}
		if len(interests) == 0 {
			a.println("No interests yet.")
		}
		for _, in := range interests {
			a.printf("%s [%s] from %s\n", in.ID, in.Status, formatProfile(in.Sender))
		}

	case "/respond":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: /respond <interest-id> accept|decline")
		}
		status, ok := map[string]string{"accept": api.InterestAccepted, "decline": api.InterestDeclined}[strings.ToLower(args[1])]
		if !ok {
			return false, fmt.Errorf("response must be accept or decline")
		}
		if err := a.client.RespondToInterest(ctx, args[0], status); err != nil {
			return false, err
		}
		a.printf("Interest %s %s\n", args[0], strings.ToLower(status))

	case "/shortlists":
		items, err := a.client.Shortlists(ctx)
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			a.println("Shortlist is empty.")
		}
		for i, s := range items {
			a.printf("%d. %s\n", i+1, formatProfile(s.Profile))
		}

	case "/unshortlist":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /unshortlist <user-id>")
		}
		if err := a.client.RemoveShortlist(ctx, args[0]); err != nil {
			return false, err
		}
		a.println("Removed from shortlist")

	case "/plans":
		plans, err := a.client.PaymentPlans(ctx)
		if err != nil {
			return false, err
		}
		for i, p := range plans {
			a.printf("%d. %s (%s) - %.2f for %d days\n", i+1, p.Name, p.ID, p.Price, p.DurationDays)
			if p.Description != "" {
				a.printf("   %s\n", p.Description)
			}
		}

	case "/locale":
		if len(args) != 1 {
			a.printf("Locale: %s (available: %s)\n", a.nav.Locale(), strings.Join(locale.All(), ", "))
			return false, nil
		}
		if !a.nav.SetLocale(args[0]) {
			return false, fmt.Errorf("unsupported locale %q", args[0])
		}
		a.printf("Locale set to %s\n", args[0])

	case "/state":
		snap := a.store.Snapshot()
		a.printf("Authenticated: %t\n", snap.IsAuthenticated)
		a.printf("Realtime: %s\n", a.manager.State())
		a.printf("Conversation: %s\n", valueOr(a.chat.Active(), "none"))
		a.printf("Route: %s\n", a.nav.CurrentPath())

	case "/help":
		a.println("Available commands:")
		a.println("  /login <id-token>           - Sign in with a Google ID token")
		a.println("  /logout                     - Sign out")
		a.println("  /whoami                     - Show the signed-in user")
		a.println("  /open <id>                  - Open a conversation")
		a.println("  /close                      - Close the open conversation")
		a.println("  /history                    - Show the open conversation")
		a.println("  /profile [id]               - Show your profile or another")
		a.println("  /search key=value ...       - Search profiles")
		a.println("  /onboard key=value ...      - Create your profile")
		a.println("  /editprofile [section] k=v  - Edit your profile (family, preferences, professional)")
		a.println("  /photo <path>               - Upload a profile photo")
		a.println("  /documents                  - List your documents")
		a.println("  /upload <type> <path>       - Upload a document")
		a.println("  /rmdoc <id>                 - Delete a document")
		a.println("  /interest <profile-id>      - Send an interest")
		a.println("  /interests                  - List received interests")
		a.println("  /respond <id> accept|decline")
		a.println("  /shortlists                 - List your shortlist")
		a.println("  /unshortlist <user-id>      - Remove from shortlist")
		a.println("  /plans                      - List membership plans")
		a.println("  /locale [en|hi|cg]          - Show or change the locale")
		a.println("  /state                      - Show connection state")
		a.println("  /quit, /exit                - Exit")
		a.println("Any other input is sent to the open conversation.")

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}

	return false, nil
}

func (a *App) login(ctx context.Context, idToken string) error {
	res, err := a.client.LoginWithGoogle(ctx, idToken)
	if err != nil {
		return err
	}

	a.store.SetAuth(ctx, res.AccessToken, res.RefreshToken, res.User)
	a.nav.Go("dashboard")

	a.printf("Signed in as %s\n", displayName(&res.User))
	if res.IsNewUser {
		a.println("Welcome! Complete your profile to start matching.")
	}
	return nil
}

func (a *App) whoami() {
	snap := a.store.Snapshot()
	if !snap.IsAuthenticated || snap.User == nil {
		a.println("Not signed in")
		return
	}

	a.printf("User: %s (%s)\n", displayName(snap.User), snap.User.ID)
	if snap.User.Role != "" {
		a.printf("Role: %s\n", snap.User.Role)
	}
	if exp, err := session.TokenExpiry(snap.AccessToken); err == nil {
		a.printf("Access token expires: %s\n", exp.Local().Format(time.RFC1123))
	}
}

func (a *App) printEntries(entries []cache.Entry) {
	for _, e := range entries {
		line := formatMessage(e.Message)
		switch e.Status {
		case cache.StatusPending:
			line += " (sending)"
		case cache.StatusFailed:
			line += fmt.Sprintf(" (failed: %v)", e.Err)
		}
		a.println(line)
	}
}

func formatMessage(m session.Message) string {
	return fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Content)
}

func formatProfile(p api.ProfileSummary) string {
	s := fmt.Sprintf("%s (%s)", valueOr(p.FirstName, "unnamed"), p.ID)
	if p.Age > 0 {
		s += fmt.Sprintf(", %d", p.Age)
	}
	if p.City != "" {
		s += ", " + p.City
	}
	return s
}

func displayName(u *session.User) string {
	if u == nil {
		return ""
	}
	switch {
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	default:
		return u.ID
	}
}

func parseParams(args []string) (url.Values, error) {
	params := url.Values{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", arg)
		}
		params.Add(k, v)
	}
	return params, nil
}

func parseFields(args []string) (api.ProfileFields, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one key=value field")
	}
	params, err := parseParams(args)
	if err != nil {
		return nil, err
	}
	fields := api.ProfileFields{}
	for k, v := range params {
		fields[k] = v[len(v)-1]
	}
	return fields, nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
