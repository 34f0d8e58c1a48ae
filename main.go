package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"metasrv/config"
	"metasrv/service"
	"metasrv/store"
	"metasrv/token"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var (
	configPath string
	raftDir    string
	raftAddr   string
	httpAddr   string
	joinAddr   string
	nodeID     string
	inmem      bool
	username   string
	password   string
	signingKey string
	logLevel   string
)

func init() {
	pflag.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	pflag.StringVarP(&raftAddr, "raddr", "r", config.DefaultRaftAddr, "Set Raft bind address")
	pflag.StringVarP(&httpAddr, "haddr", "h", config.DefaultHTTPAddr, "Set HTTP bind address")
	pflag.StringVarP(&joinAddr, "join", "j", "", "Set join address")
	pflag.StringVar(&nodeID, "id", "", "Node ID. If not set, same as Raft bind address")
	pflag.BoolVar(&inmem, "inmem", false, "Keep the Raft log and snapshots in memory")
	pflag.StringVar(&username, "username", "root", "User accepted by the handshake")
	pflag.StringVar(&password, "password", "", "Password of the handshake user")
	pflag.StringVar(&signingKey, "signing-key", "", "Token signing key shared by the cluster. Required unless running a single in-memory node")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level")
}

// loadConfig reads the config file, if any, and applies the flags that were
// set explicitly on top of it.
func loadConfig() (*config.Config, error) {
	pflag.Parse()

	conf := config.Default()
	if configPath != "" {
		var err error
		if conf, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	if pflag.NArg() > 0 {
		raftDir = pflag.Arg(0)
		conf.DataDir = raftDir
	}
	flags := pflag.CommandLine
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("raddr", &conf.RaftAddr, raftAddr)
	set("haddr", &conf.HTTPAddr, httpAddr)
	set("join", &conf.JoinAddr, joinAddr)
	set("id", &conf.NodeID, nodeID)
	set("username", &conf.Auth.Username, username)
	set("password", &conf.Auth.Password, password)
	set("signing-key", &conf.Auth.SigningKey, signingKey)
	set("log-level", &conf.Log.Level, logLevel)
	if flags.Changed("inmem") {
		conf.Inmem = inmem
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func main() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %s\n", err)
		os.Exit(1)
	}
	if err := conf.Log.Apply(logrus.StandardLogger()); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log configuration: %s\n", err)
		os.Exit(1)
	}
	if !conf.Inmem {
		if err := os.MkdirAll(conf.DataDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create raft dir %s: %s\n", conf.DataDir, err)
			os.Exit(1)
		}
	}

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	if _, err := metrics.NewGlobal(metrics.DefaultConfig("metasrv"), sink); err != nil {
		panic(err)
	}

	var tokens *token.Service
	if conf.Auth.SigningKey != "" {
		tokens, err = token.New([]byte(conf.Auth.SigningKey))
	} else {
		// Validate only allows this for a single in-memory node.
		logrus.Warn("no signing key configured, using a random one")
		tokens, err = token.NewRandom()
	}
	if err != nil {
		panic(err)
	}

	client := service.NewClient(tokens, conf.Auth.Username)
	defer client.Close()

	s := store.New(conf.DataDir, conf.RaftAddr, conf.Inmem)
	s.RaftConfig = conf.Consensus()
	s.ApplyTimeout = conf.Raft.ApplyTimeout
	// Only the first node bootstraps the cluster; the others join it.
	if err := s.Open(conf.JoinAddr == "", conf.LocalID(), client, client); err != nil {
		panic(err)
	}
	defer s.Close()

	meta := service.NewMetaService(s, tokens, service.Credentials{
		Username: conf.Auth.Username,
		Password: conf.Auth.Password,
	})
	grpcServer := service.NewServer(meta)
	go func() {
		if err := service.Start(grpcServer, conf.RaftAddr); err != nil {
			logrus.Fatalf("grpc server: %s", err)
		}
	}()
	defer grpcServer.GracefulStop()

	if err := join(conf.JoinAddr, conf.RaftAddr, conf.LocalID(), tokens, conf.Auth.Username); err != nil {
		logrus.Errorf("failed to join %s: %s", conf.JoinAddr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	storeSvc := &httpAPI{s: s, sink: sink, tokens: tokens, meta: meta}
	storeSvc.register(r)

	logrus.WithFields(logrus.Fields{
		"node": conf.LocalID(),
		"raft": conf.RaftAddr,
		"http": conf.HTTPAddr,
	}).Info("metasrv started")
	if err := r.Run(conf.HTTPAddr); err != nil {
		logrus.Errorf("http server: %s", err)
	}
}

// join asks the node at jAddr to add this one. The token is signed with the
// cluster key, so the leader accepts it without a login round trip.
func join(jAddr, rAddr, id string, tokens *token.Service, user string) error {
	if jAddr == "" {
		return nil
	}

	tok, err := tokens.Issue(token.Claim{Username: user})
	if err != nil {
		return err
	}
	b, err := json.Marshal(JoinReq{ID: id, Addr: rAddr})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/join", jAddr), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("join: %s", resp.Status)
	}
	return nil
}
