package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Skotchmaster/storefront/pkg/authclient"
)

func (a *app) printUser(w io.Writer, prefix string, u *authclient.User) {
	if u == nil {
		return
	}
	if a.jsonOut {
		printJSON(w, u)
		return
	}
	fmt.Fprintln(w, formatUserHuman(prefix, u))
}

func formatUserHuman(prefix string, u *authclient.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", prefix, u.Username)
	if u.Email != "" {
		fmt.Fprintf(&b, " <%s>", u.Email)
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		fmt.Fprintf(&b, "\nName:  %s", name)
	}
	if u.Phone != "" {
		fmt.Fprintf(&b, "\nPhone: %s", u.Phone)
	}
	fmt.Fprintf(&b, "\nRole:  %s", u.Role)
	return b.String()
}

func fieldLines(fields map[string][]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		for _, msg := range fields[k] {
			lines = append(lines, k+": "+msg)
		}
	}
	return lines
}

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "Error: encode output: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}
