package webapp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/avl/conn"
	"nuha.dev/avlgate/internal/avl/device"
	"nuha.dev/avlgate/internal/util"
)

type ApiConfig struct {
	ListenAddr  string
	ReadTimeout time.Duration
}

// ConnLister reports the open device connections.
type ConnLister interface {
	Connections() []conn.Stat
}

type Api struct {
	r       chi.Router
	s       *http.Server
	config  *ApiConfig
	log     log.Logger
	vld     *validator.Validate
	devices *device.Store
	conns   ConnLister
}

type statusResponse struct {
	Ok   bool   `json:"ok"`
	IMEI string `json:"imei"`
	device.State
}

type devicesResponse struct {
	Ok      bool           `json:"ok"`
	Devices []device.Entry `json:"devices"`
}

// latestResponse keeps the key existing dashboards read from /latest.
type latestResponse struct {
	Ok      bool           `json:"ok"`
	Devices []device.Entry `json:"dispositivos"`
}

type errorResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error"`
}

// NewApi builds the read only status API. metrics and stream are mounted
// on /metrics and /stream when not nil.
func NewApi(devices *device.Store, conns ConnLister, metrics http.Handler, stream http.Handler, config *ApiConfig) *Api {
	api := &Api{config: config, devices: devices, conns: conns}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/status/{imei}", api.GetStatus)
	r.Get("/devices", api.GetDevices)
	r.Get("/latest", api.GetLatest)
	r.Get("/connections", api.GetConnections)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	if stream != nil {
		r.Method(http.MethodGet, "/stream", stream)
	}
	api.r = r

	api.s = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        api.r,
		ReadTimeout:    config.ReadTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

func (api *Api) Run() error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	err := api.s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		api.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) GetStatus(w http.ResponseWriter, r *http.Request) {
	imei := chi.URLParam(r, "imei")
	if err := api.vld.Var(imei, "required,max=65535"); err != nil {
		util.JsonWriteStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid imei"})
		return
	}
	st, ok := api.devices.Get(imei)
	if !ok {
		util.JsonWriteStatus(w, http.StatusNotFound, errorResponse{Error: "device not found"})
		return
	}
	util.JsonWrite(w, statusResponse{Ok: true, IMEI: imei, State: st})
}

func (api *Api) GetDevices(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, devicesResponse{Ok: true, Devices: api.devices.All()})
}

func (api *Api) GetLatest(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, latestResponse{Ok: true, Devices: api.devices.All()})
}

func (api *Api) GetConnections(w http.ResponseWriter, r *http.Request) {
	var conns []conn.Stat
	if api.conns != nil {
		conns = api.conns.Connections()
	}
	if conns == nil {
		conns = []conn.Stat{}
	}
	util.JsonWrite(w, map[string]interface{}{"ok": true, "connections": conns})
}
