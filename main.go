// mcnb serves an interactive notebook in the browser, with cell executions
// running in a separate interpreter worker process, either locally or on a
// remote GPU machine reached over SSH.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	klog "k8s.io/klog/v2"

	"github.com/morecompute/morecompute/internal/kernel"
	"github.com/morecompute/morecompute/internal/protocol"
	"github.com/morecompute/morecompute/internal/providers"
	"github.com/morecompute/morecompute/internal/remote"
	"github.com/morecompute/morecompute/internal/server"
	"github.com/morecompute/morecompute/internal/session"
	"github.com/morecompute/morecompute/internal/version"
	"github.com/morecompute/morecompute/internal/worker"
)

var (
	flagHost      = flag.String("host", "localhost", "Host to serve the notebook UI on.")
	flagPort      = flag.Int("port", 8888, "Port to serve the notebook UI on.")
	flagNoBrowser = flag.Bool("no_browser", false, "Do not open the browser automatically.")
	flagRemote    = flag.String("remote", "",
		"Run cell executions on a remote machine over SSH, given as user@host[:port]. "+
			"The worker binary is deployed and started there automatically.")
	flagSSHKey = flag.String("ssh_key", "",
		"Private key file for -remote. Defaults to the usual keys under ~/.ssh.")
	flagLambdaSSHKeys = flag.String("lambda_ssh_keys", "",
		"Comma-separated Lambda Labs SSH key names to install on launched instances.")
	flagWorker = flag.Bool("worker", false,
		"Run as the interpreter worker instead of the notebook server. "+
			"Used internally: the server spawns its execution backend with this flag.")
	flagDebug        = flag.Bool("debug", false, "Verbose logging, shorthand for -v=2 -logtostderr.")
	flagShortVersion = flag.Bool("V", false, "Print version information.")
	flagLongVersion  = flag.Bool("version", false, "Print detailed version information.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *flagDebug {
		_ = flag.Set("v", "2")
		_ = flag.Set("logtostderr", "true")
	}

	if *flagShortVersion {
		fmt.Println(version.Get().String())
		return
	}
	if *flagLongVersion {
		version.Get().Print()
		return
	}

	if *flagWorker {
		if err := runWorker(); err != nil {
			klog.Exitf("worker failed: %+v", err)
		}
		return
	}
	if err := runServer(); err != nil {
		klog.Exitf("%+v", err)
	}
}

// runWorker runs the interpreter worker until it is told to shut down. The
// endpoints come from the environment, set by whoever spawned us.
func runWorker() error {
	cmdAddr := os.Getenv(protocol.EnvCmdAddr)
	if cmdAddr == "" {
		cmdAddr = protocol.DefaultCmdAddr
	}
	pubAddr := os.Getenv(protocol.EnvPubAddr)
	if pubAddr == "" {
		pubAddr = protocol.DefaultPubAddr
	}
	w, err := worker.New(context.Background(), cmdAddr, pubAddr)
	if err != nil {
		return err
	}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		w.Stop()
	}()
	klog.V(1).Infof("worker listening on cmd=%s events=%s", cmdAddr, pubAddr)
	return w.Run()
}

func runServer() error {
	path, err := resolveNotebook()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The kernel client needs its event sink before the session exists; the
	// indirection closes the cycle. Events only flow once executions start.
	var sess *session.Session
	k := kernel.New(func(ev protocol.Event) {
		if sess != nil {
			sess.HandleEvent(ev)
		}
	})
	defer k.Shutdown()

	var bridge *remote.Bridge
	if *flagRemote != "" {
		bridge, err = connectRemote(ctx, k)
		if err != nil {
			return err
		}
		defer bridge.Close()
	} else {
		if err = k.StartLocal(ctx); err != nil {
			return errors.WithMessage(err, "failed to start interpreter worker")
		}
	}

	sess, err = session.New(path, k)
	if err != nil {
		return err
	}
	defer sess.Close()

	registry, err := buildRegistry()
	if err != nil {
		return err
	}

	srv := server.New(sess, registry)
	if bridge != nil {
		srv.WithBridge(bridge)
	}
	defer srv.Close()
	if err = srv.WatchNotebook(); err != nil {
		klog.Warningf("file watching disabled: %v", err)
	}
	srv.ResumePodWatch()

	addr := fmt.Sprintf("%s:%d", *flagHost, *flagPort)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.ListenAndServe()
	}()

	url := "http://" + addr
	fmt.Printf("\n    Edit %s in your browser!\n\n    URL: %s\n\n", filepath.Base(path), url)
	if !*flagNoBrowser {
		openBrowser(url)
	}

	select {
	case err = <-serveErr:
		return errors.WithMessagef(err, "server failed on %s", addr)
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	fmt.Println("\n    Thanks for using MoreCompute!")
	return nil
}

// resolveNotebook picks the notebook file from the command line. No argument
// (or "new") starts a fresh notebook, created on first save.
func resolveNotebook() (string, error) {
	if flag.NArg() > 1 {
		return "", errors.Errorf("at most one notebook file may be given, got %q", flag.Args())
	}
	arg := "new"
	if flag.NArg() == 1 {
		arg = flag.Arg(0)
	}
	if arg == "new" {
		name := fmt.Sprintf("Untitled-%s.ipynb", time.Now().Format("20060102-150405"))
		return filepath.Abs(name)
	}
	if !strings.HasSuffix(arg, ".ipynb") {
		return "", errors.Errorf("notebook %q must be a .ipynb file", arg)
	}
	if _, err := os.Stat(arg); err != nil {
		return "", errors.WithMessagef(err, "cannot open notebook %q", arg)
	}
	return filepath.Abs(arg)
}

// connectRemote deploys the worker to the -remote machine and connects the
// kernel client through SSH tunnels. Kernel resets go through the bridge,
// restarting the remote worker instead of spawning a local one.
func connectRemote(ctx context.Context, k *kernel.Client) (*remote.Bridge, error) {
	target, err := remote.ParseTarget(*flagRemote)
	if err != nil {
		return nil, err
	}
	if *flagSSHKey != "" {
		target.KeyPath = *flagSSHKey
	}
	conn, err := remote.Dial(target)
	if err != nil {
		return nil, err
	}
	conn.WithOnDead(func() {
		klog.Warningf("ssh connection to %s lost", target)
	})
	bridge, err := remote.NewBridge(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	fmt.Printf("    Deploying worker to %s ...\n", target)
	if err = bridge.Deploy(ctx); err != nil {
		bridge.Close()
		return nil, errors.WithMessagef(err, "failed to deploy worker to %s", target)
	}
	cmdAddr, pubAddr := remote.TunnelAddrs()
	k.WithRestarter(func(ctx context.Context) error {
		if err := bridge.RestartWorker(ctx); err != nil {
			return err
		}
		return k.ConnectRemote(ctx, cmdAddr, pubAddr)
	})
	if err = k.ConnectRemote(ctx, cmdAddr, pubAddr); err != nil {
		bridge.Close()
		return nil, errors.WithMessagef(err, "failed to reach worker on %s", target)
	}
	return bridge, nil
}

// buildRegistry loads the persisted provider config and registers every
// supported GPU provider. API keys come from the environment first
// (RUNPOD_API_KEY and friends), then from the config file.
func buildRegistry() (*providers.Registry, error) {
	cfgPath, err := providers.DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := providers.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	registry := providers.NewRegistry(cfg)

	var lambdaKeys []string
	for _, name := range strings.Split(*flagLambdaSSHKeys, ",") {
		if name = strings.TrimSpace(name); name != "" {
			lambdaKeys = append(lambdaKeys, name)
		}
	}
	registry.Register(providers.NewRunPod(
		cfg.ResolveAPIKey("runpod", providers.RunPodKeyEnv)))
	registry.Register(providers.NewLambdaLabs(
		cfg.ResolveAPIKey("lambdalabs", providers.LambdaKeyEnv), lambdaKeys))
	registry.Register(providers.NewVastAI(
		cfg.ResolveAPIKey("vastai", providers.VastKeyEnv)))
	return registry, nil
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		klog.V(1).Infof("could not open browser: %v", err)
	}
}
