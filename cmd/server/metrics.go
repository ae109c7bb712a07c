package main

import (
	"fmt"
	"io"

	persistlog "spodb.dev/internal/persistence/log"
	"spodb.dev/internal/sim/combat"
	"spodb.dev/internal/transport/ws"
)

func writeWSMetrics(w io.Writer, s ws.Stats) {
	fmt.Fprintf(w, "# HELP spodb_ws_sessions Connected websocket sessions.\n")
	fmt.Fprintf(w, "# TYPE spodb_ws_sessions gauge\n")
	fmt.Fprintf(w, "spodb_ws_sessions %d\n", s.Sessions)

	fmt.Fprintf(w, "# HELP spodb_ws_accepted_total Accepted websocket connections.\n")
	fmt.Fprintf(w, "# TYPE spodb_ws_accepted_total counter\n")
	fmt.Fprintf(w, "spodb_ws_accepted_total{identity=%q} %d\n", "any", s.Accepted)
	fmt.Fprintf(w, "spodb_ws_accepted_total{identity=%q} %d\n", "anonymous", s.Anonymous)

	fmt.Fprintf(w, "# HELP spodb_ws_messages_total Outbound websocket messages by outcome.\n")
	fmt.Fprintf(w, "# TYPE spodb_ws_messages_total counter\n")
	fmt.Fprintf(w, "spodb_ws_messages_total{outcome=%q} %d\n", "sent", s.Sent)
	fmt.Fprintf(w, "spodb_ws_messages_total{outcome=%q} %d\n", "dropped", s.Dropped)

	fmt.Fprintf(w, "# HELP spodb_ws_slow_closed_total Sessions closed because their send queue filled.\n")
	fmt.Fprintf(w, "# TYPE spodb_ws_slow_closed_total counter\n")
	fmt.Fprintf(w, "spodb_ws_slow_closed_total %d\n", s.SlowClosed)

	fmt.Fprintf(w, "# HELP spodb_ws_inbound_rejected_total Inbound messages ignored.\n")
	fmt.Fprintf(w, "# TYPE spodb_ws_inbound_rejected_total counter\n")
	fmt.Fprintf(w, "spodb_ws_inbound_rejected_total{reason=%q} %d\n", "malformed", s.Malformed)
	fmt.Fprintf(w, "spodb_ws_inbound_rejected_total{reason=%q} %d\n", "rate_limited", s.RateLimited)
}

func writeCombatMetrics(w io.Writer, s combat.Stats) {
	fmt.Fprintf(w, "# HELP spodb_combat_events_total Weapon resolution outcomes.\n")
	fmt.Fprintf(w, "# TYPE spodb_combat_events_total counter\n")
	fmt.Fprintf(w, "spodb_combat_events_total{event=%q} %d\n", "shot", s.Shots)
	fmt.Fprintf(w, "spodb_combat_events_total{event=%q} %d\n", "kill", s.Kills)
	fmt.Fprintf(w, "spodb_combat_events_total{event=%q} %d\n", "ceasefire", s.Ceasefire)
	fmt.Fprintf(w, "spodb_combat_events_total{event=%q} %d\n", "conflict", s.Conflicts)
	fmt.Fprintf(w, "spodb_combat_events_total{event=%q} %d\n", "error", s.Errors)
}

func writeJournalMetrics(w io.Writer, s persistlog.JournalStats) {
	fmt.Fprintf(w, "# HELP spodb_journal_entries_total Journal entries by outcome.\n")
	fmt.Fprintf(w, "# TYPE spodb_journal_entries_total counter\n")
	fmt.Fprintf(w, "spodb_journal_entries_total{outcome=%q} %d\n", "written", s.Written)
	fmt.Fprintf(w, "spodb_journal_entries_total{outcome=%q} %d\n", "dropped", s.Dropped)
	fmt.Fprintf(w, "spodb_journal_entries_total{outcome=%q} %d\n", "failed", s.Failed)
}
