/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/common/version"
	jcr "github.com/tinode/jsonco"
	"golang.org/x/time/rate"

	"github.com/deuxdrop/chat/server/concurrency"
	"github.com/deuxdrop/chat/server/crypto"
	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/phonebook"
	"github.com/deuxdrop/chat/server/pipeline"
	"github.com/deuxdrop/chat/server/queue"
	"github.com/deuxdrop/chat/server/replica"
	"github.com/deuxdrop/chat/server/replica/wsconn"
	"github.com/deuxdrop/chat/server/stats"
	"github.com/deuxdrop/chat/server/store"

	// The memory adapter is always available. See db_*.go for the others.
	_ "github.com/deuxdrop/chat/server/db/memory"
)

const (
	// currentVersion is the current API/protocol version
	currentVersion = "0.1"

	// Default time allowed to a device request.
	defaultRequestTimeout = 10 * time.Second
	// Default time allowed to a local action of the user.
	defaultTaskTimeout = 30 * time.Second
	// Default time allowed to the phonebook directories.
	defaultPhonebookTimeout = 3 * time.Second

	defaultMetricsPath = "/metrics"
	metricsNamespace   = "deuxdrop"
)

// Build version number defined by the compiler:
//
//	-ldflags "-X main.buildstamp=value_to_assign_to_buildstamp"
//
// Reported to clients in response to {hello} message.
// For instance, to define the buildstamp as a timestamp of when the server was built add a
// flag to compiler command line:
//
//	-ldflags "-X main.buildstamp=`date -u '+%Y%m%dT%H:%M:%SZ'`"
var buildstamp = "undef"

// Process-wide state shared by the handlers.
var globals struct {
	sessionStore *SessionStore
	registry     *pipeline.Registry
	runner       *pipeline.Runner
	delivery     *replica.Delivery

	// Phonebook.
	directories      []pipeline.Directory
	pool             *concurrency.GoRoutinePool
	phonebookTimeout time.Duration

	wsOpts           wsconn.Options
	useXForwardedFor bool
	tlsStrictMaxAge  string
	requestTimeout   time.Duration
	taskTimeout      time.Duration
	// Per-session request rate and burst. Zero rate means unlimited.
	sessionRate  rate.Limit
	sessionBurst int
}

type clientConfig struct {
	// Client key of the device.
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Hosted user.
type userConfig struct {
	// Base64url encoded private keys.
	BoxSecret string         `json:"box_secret"`
	SignSeed  string         `json:"sign_seed"`
	Clients   []clientConfig `json:"clients"`
}

type pipelineConfig struct {
	// Number of goroutines processing events. Events of one user always share a lane.
	Lanes int `json:"lanes"`
	// Pending events per lane.
	QueueLen int `json:"queue_len"`
	// Maximum number of cached user processors, 0 means unlimited.
	MaxProcessors int `json:"max_processors"`
	// Seconds an idle processor is kept in memory, 0 means forever.
	ProcessorLifetime int `json:"processor_lifetime"`
	// Goroutines shared by the phonebook lookups.
	LookupWorkers int `json:"lookup_workers"`
}

type configType struct {
	// HTTP(S) address:port to listen on for websocket and metrics requests.
	Listen string `json:"listen"`
	// Base URL path where the metrics are served.
	MetricsPath string `json:"metrics_path"`
	// URL path for exposing runtime profiling data. Disabled if not set.
	PprofURL string `json:"pprof_url"`
	// Take IP address of the client from HTTP header 'X-Forwarded-For'.
	// Useful when the server is behind a reverse proxy.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Maximum message size allowed from a device, bytes.
	MaxMessageSize int64 `json:"max_message_size"`
	// Seconds a disconnected device keeps its delivery state.
	ZombieTimeout int `json:"zombie_timeout"`
	// Seconds allowed to a device request and to a local action of the user.
	RequestTimeout int `json:"request_timeout"`
	TaskTimeout    int `json:"task_timeout"`
	// Requests per second of one device session and the allowed burst.
	SessionRate  float64 `json:"session_rate"`
	SessionBurst int     `json:"session_burst"`

	Pipeline pipelineConfig `json:"pipeline"`
	Users    []userConfig   `json:"users"`

	Phonebook []phonebook.Config `json:"phonebook"`
	// Milliseconds to wait for the phonebook directories.
	PhonebookTimeout int `json:"phonebook_timeout"`

	// Configs for subsystems
	StoreConfig json.RawMessage `json:"store_config"`
	Queue       *queue.Config   `json:"queue"`
	TLS         *tlsConfig      `json:"tls"`
}

func main() {
	executable, _ := os.Executable()

	logFlags := flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	configfile := flag.String("config", "deuxdrop.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	workerID := flag.Int("worker_id", 0, "Unique ID of this server instance, used by the ID generator.")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)

	logs.Info.Printf("Server v%s:%s:%s; pid %d; %d process(es)",
		currentVersion, executable, buildstamp, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	logs.Info.Printf("Using config from '%s'", *configfile)

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatal("Failed to parse config file: ", err)
			}
		}
		file.Close()
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}

	if err := store.Store.Open(*workerID, config.StoreConfig); err != nil {
		logs.Err.Fatal("Failed to open DB: ", err)
	}
	logs.Info.Printf("DB adapter '%s' v%d", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed database connection(s)")
	}()

	keys := crypto.NewKeychain()
	rings := make([]*crypto.Keyring, len(config.Users))
	for i := range config.Users {
		ring, err := newKeyring(&config.Users[i])
		if err != nil {
			logs.Err.Fatalf("Invalid keys of user #%d: %s", i, err)
		}
		if _, err = keys.Boundary(ring.RootKey()); err == nil {
			logs.Err.Fatalf("User #%d is listed twice", i)
		}
		keys.Add(ring)
		rings[i] = ring
	}

	globals.requestTimeout = seconds(config.RequestTimeout, defaultRequestTimeout)
	globals.taskTimeout = seconds(config.TaskTimeout, defaultTaskTimeout)
	globals.phonebookTimeout = defaultPhonebookTimeout
	if config.PhonebookTimeout > 0 {
		globals.phonebookTimeout = time.Duration(config.PhonebookTimeout) * time.Millisecond
	}
	globals.useXForwardedFor = config.UseXForwardedFor
	globals.wsOpts = wsconn.Options{MaxMessageSize: config.MaxMessageSize}
	if config.SessionRate > 0 {
		globals.sessionRate = rate.Limit(config.SessionRate)
		globals.sessionBurst = max(config.SessionBurst, 1)
	}

	var relay pipeline.Relay = logRelay{}
	var broker *queue.Broker
	if config.Queue != nil {
		var err error
		if broker, err = queue.Dial(config.Queue); err != nil {
			logs.Err.Fatal("Failed to connect to the message broker: ", err)
		}
		relay = broker.NewRelay(config.Queue.Exchange)
		go func() {
			if err := <-broker.NotifyClose(); err != nil {
				logs.Err.Println("Message broker connection lost:", err)
			}
		}()
	} else {
		logs.Warn.Println("No message broker configured, contact requests will not leave this server")
	}

	if config.Pipeline.LookupWorkers > 0 {
		globals.pool = concurrency.NewGoRoutinePool(config.Pipeline.LookupWorkers)
	}
	for _, dc := range config.Phonebook {
		dir, err := phonebook.NewKeyserver(dc, nil)
		if err != nil {
			logs.Err.Fatal("Invalid phonebook config: ", err)
		}
		globals.directories = append(globals.directories, dir)
	}

	db := store.Store.GetAdapter()
	globals.delivery = replica.NewDelivery(db, seconds(config.ZombieTimeout, replica.DefaultZombieTimeout))
	env := &pipeline.Env{
		DB:       db,
		Keys:     keys,
		Replicas: globals.delivery,
		Relay:    relay,
		Pool:     globals.pool,
		NewID:    store.Store.GetUidString,
	}
	globals.registry = pipeline.NewRegistry(env, config.Pipeline.MaxProcessors,
		time.Duration(config.Pipeline.ProcessorLifetime)*time.Second)

	metrics := stats.New(metricsNamespace, stats.Live{
		Processors:  globals.registry.Len,
		Connections: globals.delivery.ConnCount,
	})
	globals.delivery.OnTransition = metrics.Transition
	globals.sessionStore = NewSessionStore()
	env.NewMessages = func(user, convID string, msgs []notify.NewishMessage) {
		metrics.NewMessages(len(msgs))
		notifyNewMessages(user, convID, msgs)
	}
	globals.runner = pipeline.NewRunner(globals.registry, config.Pipeline.Lanes, config.Pipeline.QueueLen, metrics)

	if err := registerUsers(context.Background(), rings, config.Users); err != nil {
		logs.Err.Fatal("Failed to register hosted users: ", err)
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	var consumerDone sync.WaitGroup
	if broker != nil && config.Queue.Inbound != "" {
		consumer := broker.NewConsumer(config.Queue.Inbound, globals.runner)
		consumerDone.Add(1)
		go func() {
			defer consumerDone.Done()
			if err := consumer.Run(consumerCtx); err != nil {
				logs.Err.Println("Inbound consumer failed:", err)
			}
		}()
		logs.Info.Printf("Consuming inbound events from '%s'", config.Queue.Inbound)
	}

	metricsPath := config.MetricsPath
	if metricsPath == "" {
		metricsPath = defaultMetricsPath
	}

	mux := http.NewServeMux()
	// Replica websocket of the devices.
	mux.HandleFunc("/v0/replica", serveWebSocket)
	mux.Handle("/v0/phonebook", handlers.CompressHandler(http.HandlerFunc(servePhonebook)))
	mux.Handle(metricsPath, metrics.Handler(globals.requestTimeout))
	servePprof(mux, config.PprofURL)
	mux.HandleFunc("/", func(wrt http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			serve404(wrt, req)
			return
		}
		wrt.Header().Set("Content-Type", "text/html; charset=utf-8")
		wrt.Write([]byte(`<html><head><title>Deuxdrop Mailstore</title></head><body>
<h1>Deuxdrop Mailstore</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<h2>Build</h2>
<pre>` + version.Info() + ` ` + version.BuildContext() + `</pre>
</body></html>`))
	})

	handler := handlers.RecoveryHandler(handlers.RecoveryLogger(logs.Err), handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(logs.Info.Writer(), hstsHandler(mux)))

	if err := listenAndServe(config.Listen, handler, config.TLS, signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}

	stopConsumer()
	consumerDone.Wait()
	globals.runner.Stop()
	globals.delivery.Close()
	if globals.pool != nil {
		globals.pool.Stop()
	}
	if broker != nil {
		broker.Close()
	}
	logs.Info.Println("All done, good bye")
}

func newKeyring(conf *userConfig) (*crypto.Keyring, error) {
	boxSecret, err := crypto.DecodeKey(conf.BoxSecret, 32)
	if err != nil {
		return nil, err
	}
	signSeed, err := crypto.DecodeKey(conf.SignSeed, 32)
	if err != nil {
		return nil, err
	}
	return crypto.NewKeyring(boxSecret, signSeed)
}

// registerUsers persists the tell keys and the devices of the hosted users.
func registerUsers(ctx context.Context, rings []*crypto.Keyring, users []userConfig) error {
	for i, ring := range rings {
		root := ring.RootKey()
		if err := globals.registry.RegisterUser(ctx, root, ring.BoxKey()); err != nil {
			return err
		}
		for _, cl := range users[i].Clients {
			if cl.Key == "" {
				continue
			}
			if err := globals.delivery.RegisterClient(ctx, root, cl.Key, cl.Name); err != nil {
				return err
			}
		}
		logs.Info.Printf("Hosting user %s with %d device(s)", root, len(users[i].Clients))
	}
	return nil
}

// servePhonebook searches the directories: GET /v0/phonebook?q=...
func servePhonebook(wrt http.ResponseWriter, req *http.Request) {
	now := time.Now().UTC().Round(time.Millisecond)
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(wrt)

	query := strings.TrimSpace(req.FormValue("q"))
	if req.Method != http.MethodGet || query == "" {
		wrt.WriteHeader(http.StatusBadRequest)
		enc.Encode(ErrMalformed("", now))
		return
	}

	entries, err := pipeline.PhonebookScan(req.Context(), globals.pool, globals.directories, query,
		globals.phonebookTimeout)
	if err != nil {
		logs.Warn.Println("phonebook:", err)
		wrt.WriteHeader(http.StatusServiceUnavailable)
		enc.Encode(decodeStoreError(err, "", now))
		return
	}
	if entries == nil {
		entries = []pipeline.PhonebookEntry{}
	}
	enc.Encode(entries)
}

func seconds(val int, def time.Duration) time.Duration {
	if val > 0 {
		return time.Duration(val) * time.Second
	}
	return def
}
