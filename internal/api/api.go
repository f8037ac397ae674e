package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/hostinger/ipfwd/internal/logger"
	"github.com/hostinger/ipfwd/internal/prober"
	"github.com/hostinger/ipfwd/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnifferLister is implemented by sniffer.Link.
type SnifferLister interface {
	ListActiveSniffers() map[string]time.Time
}

type API struct {
	Router   *router.Router
	Sniffers SnifferLister
	Prober   *prober.Prober
	Gatherer prometheus.Gatherer
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Register mounts every handler on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/neighbors", a.ListNeighborsHandler)
	mux.HandleFunc("/pending", a.ListPendingHandler)
	mux.HandleFunc("/interfaces", a.ListInterfacesHandler)
	mux.HandleFunc("/routes", a.ListRoutesHandler)
	mux.HandleFunc("/sniffed-interfaces", a.ListSniffedInterfacesHandler)
	mux.HandleFunc("/probes", a.ListProbesHandler)
	if a.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (a *API) ListNeighborsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	type NeighborView struct {
		IP           string    `json:"ip"`
		HardwareAddr string    `json:"hwAddr"`
		CreatedAt    time.Time `json:"created_at"`
	}

	output := []NeighborView{}
	for _, n := range a.Router.Neighbors().ListNeighbors() {
		output = append(output, NeighborView{
			IP:           n.IP.String(),
			HardwareAddr: n.HardwareAddr.String(),
			CreatedAt:    n.CreatedAt,
		})
	}

	writeJSONResponse(w, map[string]interface{}{
		"neighbors": output,
		"count":     len(output),
		"timestamp": time.Now(),
	})
}

func (a *API) ListPendingHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	type PendingView struct {
		IP        string    `json:"ip"`
		Interface string    `json:"interface"`
		Queued    int       `json:"queued"`
		Attempts  int       `json:"attempts"`
		CreatedAt time.Time `json:"created_at"`
		LastSent  time.Time `json:"last_sent"`
	}

	nm := a.Router.Neighbors()
	output := []PendingView{}
	for _, p := range nm.ListPending() {
		output = append(output, PendingView{
			IP:        p.IP.String(),
			Interface: p.Interface,
			Queued:    nm.QueuedFrames(p.IP),
			Attempts:  p.Attempts,
			CreatedAt: p.CreatedAt,
			LastSent:  p.LastSent,
		})
	}

	writeJSONResponse(w, map[string]interface{}{
		"pending":   output,
		"count":     len(output),
		"timestamp": time.Now(),
	})
}

func (a *API) ListInterfacesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	type InterfaceView struct {
		Name         string `json:"name"`
		HardwareAddr string `json:"hwAddr"`
		IP           string `json:"ip"`
	}

	output := []InterfaceView{}
	for _, i := range a.Router.Interfaces() {
		output = append(output, InterfaceView{Name: i.Name, HardwareAddr: i.LinkAddr.String(), IP: i.IP.String()})
	}

	writeJSONResponse(w, map[string]interface{}{
		"interfaces": output,
		"count":      len(output),
		"timestamp":  time.Now(),
	})
}

func (a *API) ListRoutesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	type RouteView struct {
		Dest      string `json:"dest"`
		Mask      string `json:"mask"`
		Gateway   string `json:"gateway"`
		Interface string `json:"interface"`
	}

	output := []RouteView{}
	for _, e := range a.Router.Table().Entries() {
		output = append(output, RouteView{
			Dest:      e.Dest.String(),
			Mask:      e.Mask.String(),
			Gateway:   e.Gateway.String(),
			Interface: e.IfName,
		})
	}

	writeJSONResponse(w, map[string]interface{}{
		"routes":    output,
		"count":     len(output),
		"timestamp": time.Now(),
	})
}

func (a *API) ListSniffedInterfacesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	type SniffedInterface struct {
		Interface string    `json:"interface"`
		StartedAt time.Time `json:"started_at"`
		Uptime    int64     `json:"uptime_seconds"`
	}

	sniffed := []SniffedInterface{}
	if a.Sniffers != nil {
		for iface, started := range a.Sniffers.ListActiveSniffers() {
			sniffed = append(sniffed, SniffedInterface{
				Interface: iface,
				StartedAt: started,
				Uptime:    int64(time.Since(started).Seconds()),
			})
		}
	}

	sort.Slice(sniffed, func(i, j int) bool {
		return sniffed[i].Interface < sniffed[j].Interface
	})

	writeJSONResponse(w, map[string]interface{}{
		"interfaces": sniffed,
		"count":      len(sniffed),
		"timestamp":  time.Now(),
	})
}

func (a *API) ListProbesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	results := []prober.Result{}
	if a.Prober != nil {
		results = a.Prober.Results()
	}

	writeJSONResponse(w, map[string]interface{}{
		"probes":    results,
		"count":     len(results),
		"timestamp": time.Now(),
	})
}

func requireGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported")
	return false
}

func writeErrorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: errType, Message: message, Code: code}); err != nil {
		logger.Error("[API] Failed to write error response: %v", err)
	}
}

func writeJSONResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("[API] Failed to write response: %v", err)
	}
}
