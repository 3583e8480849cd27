package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"graspcell.ai/internal/persistence/indexdb"
	persistlog "graspcell.ai/internal/persistence/log"
	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/transport/observer"
)

type statusSource interface {
	Status() cell.Status
}

func newMux(src statusSource, idx *indexdb.SQLiteIndex, obs *observer.Server, tickLog *persistlog.TickLogger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, src.Status())

		if idx != nil {
			st := idx.Stats()
			fmt.Fprintf(rw, "# HELP graspcell_index_queue_depth Pending index writes.\n")
			fmt.Fprintf(rw, "# TYPE graspcell_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "graspcell_index_queue_depth %d\n", st.QueueDepth)
			fmt.Fprintf(rw, "# HELP graspcell_index_dropped_total Index writes dropped under load.\n")
			fmt.Fprintf(rw, "# TYPE graspcell_index_dropped_total counter\n")
			fmt.Fprintf(rw, "graspcell_index_dropped_total{kind=\"tick\"} %d\n", st.DropTickTotal)
			fmt.Fprintf(rw, "graspcell_index_dropped_total{kind=\"sensor\"} %d\n", st.DropSensorTotal)
		}
		if tickLog != nil {
			n, _ := tickLog.Err()
			fmt.Fprintf(rw, "# HELP graspcell_tick_log_errors_total Failed tick log writes.\n")
			fmt.Fprintf(rw, "# TYPE graspcell_tick_log_errors_total counter\n")
			fmt.Fprintf(rw, "graspcell_tick_log_errors_total %d\n", n)
		}
		if obs != nil {
			fmt.Fprintf(rw, "# HELP graspcell_observers Connected observers.\n")
			fmt.Fprintf(rw, "# TYPE graspcell_observers gauge\n")
			fmt.Fprintf(rw, "graspcell_observers %d\n", obs.Clients())
			fmt.Fprintf(rw, "# HELP graspcell_observer_dropped_total Ticks not delivered to slow observers.\n")
			fmt.Fprintf(rw, "# TYPE graspcell_observer_dropped_total counter\n")
			fmt.Fprintf(rw, "graspcell_observer_dropped_total %d\n", obs.Dropped())
		}
	})
	if obs != nil {
		mux.HandleFunc("/v1/observe", obs.WSHandler())
		mux.HandleFunc("/v1/observe/bootstrap", obs.BootstrapHandler())
	}
	return mux
}

// writeMetrics renders st in the Prometheus text exposition format.
func writeMetrics(w io.Writer, st cell.Status) {
	fmt.Fprintf(w, "# HELP graspcell_tick Completed ticks.\n")
	fmt.Fprintf(w, "# TYPE graspcell_tick counter\n")
	fmt.Fprintf(w, "graspcell_tick{run=%q} %d\n", st.RunID, st.Tick)

	states := make([]string, 0, len(st.States))
	for s := range st.States {
		states = append(states, s)
	}
	sort.Strings(states)
	fmt.Fprintf(w, "# HELP graspcell_worlds Worlds per task state.\n")
	fmt.Fprintf(w, "# TYPE graspcell_worlds gauge\n")
	for _, s := range states {
		fmt.Fprintf(w, "graspcell_worlds{state=%q} %d\n", s, st.States[s])
	}

	fmt.Fprintf(w, "# HELP graspcell_grasp_attempts_total Judged grasp attempts.\n")
	fmt.Fprintf(w, "# TYPE graspcell_grasp_attempts_total counter\n")
	for i, t := range st.Totals {
		fmt.Fprintf(w, "graspcell_grasp_attempts_total{env=\"%d\"} %d\n", i, t.Attempts)
	}
	fmt.Fprintf(w, "# HELP graspcell_grasp_successes_total Successful grasps.\n")
	fmt.Fprintf(w, "# TYPE graspcell_grasp_successes_total counter\n")
	for i, t := range st.Totals {
		fmt.Fprintf(w, "graspcell_grasp_successes_total{env=\"%d\"} %d\n", i, t.Successes)
	}
	fmt.Fprintf(w, "# HELP graspcell_reward_total Accumulated reward.\n")
	fmt.Fprintf(w, "# TYPE graspcell_reward_total counter\n")
	for i, t := range st.Totals {
		fmt.Fprintf(w, "graspcell_reward_total{env=\"%d\"} %g\n", i, t.Reward)
	}
}
