package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edvin/podlab/internal/config"
	"github.com/edvin/podlab/internal/logging"
	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/podctl"
)

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := podctl.NewApp(cfg, logging.NewConsole(cfg), os.Stdout)
	group, cmd, args := os.Args[1], os.Args[2], os.Args[3:]

	switch group {
	case "host":
		err = runHost(app, cmd, args)
	case "container":
		err = runContainer(ctx, app, cmd, args)
	case "pod":
		err = runPod(ctx, app, cmd, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", group)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fail(err)
	}
}

func runHost(app *podctl.App, cmd string, args []string) error {
	switch cmd {
	case "add":
		fs := flag.NewFlagSet("host add", flag.ExitOnError)
		port := fs.Int("port", 22, "SSH port")
		user := fs.String("user", model.DefaultUser, "SSH user")
		identity := fs.String("i", "", "Identity file")
		fs.Parse(args)
		if fs.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: podctl host add [-port N] [-user U] [-i FILE] <alias> <hostname>")
			os.Exit(1)
		}
		return app.HostAdd(fs.Arg(0), fs.Arg(1), *port, *user, *identity)

	case "remove":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: podctl host remove <alias>")
			os.Exit(1)
		}
		return app.HostRemove(args[0])

	case "list":
		return app.HostList()
	}
	return unknown("host", cmd)
}

func runContainer(ctx context.Context, app *podctl.App, cmd string, args []string) error {
	fs := flag.NewFlagSet("container "+cmd, flag.ExitOnError)
	host := fs.String("host", "", "Trust store alias of the host machine (required)")

	switch cmd {
	case "create":
		var ports stringList
		fs.Var(&ports, "p", "Port binding host:container, repeatable (one must map 22)")
		image := fs.String("image", "", "Image to run (required)")
		pub := fs.String("pub", "~/.ssh/id_ed25519.pub", "Public key installed in the container")
		priv := fs.String("i", "", "Identity file for the container (default: -pub without .pub)")
		jupyter := fs.Bool("jupyter", false, "Expose Jupyter on 8888")
		register := fs.Bool("register", false, "Add the container to the trust store")
		fs.Parse(args)
		if *host == "" || *image == "" || fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: podctl container create -host ALIAS -image IMAGE -p H:22 [flags] <name>")
			os.Exit(1)
		}
		return app.ContainerCreate(ctx, podctl.ContainerCreateOptions{
			Host:           *host,
			Name:           fs.Arg(0),
			Image:          *image,
			Ports:          ports,
			PublicKeyPath:  *pub,
			PrivateKeyPath: *priv,
			Jupyter:        *jupyter,
			Register:       *register,
		})

	case "list":
		filter := fs.String("status", string(model.FilterAll), "running, exited or all")
		fs.Parse(args)
		return app.ContainerList(ctx, *host, model.ContainerFilter(*filter))

	case "images":
		dangling := fs.Bool("dangling", false, "Include dangling images")
		fs.Parse(args)
		return app.ContainerImages(ctx, *host, *dangling)
	}

	var force, removeTrust *bool
	var tag *string
	switch cmd {
	case "delete":
		force = fs.Bool("force", false, "Stop a running container first")
		removeTrust = fs.Bool("untrust", false, "Remove the container from the trust store")
	case "commit":
		tag = fs.String("tag", "latest", "Image tag")
	case "start", "stop":
	default:
		return unknown("container", cmd)
	}
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: podctl container %s -host ALIAS <name>\n", cmd)
		os.Exit(1)
	}
	name := fs.Arg(0)

	switch cmd {
	case "start":
		return app.ContainerStart(ctx, *host, name)
	case "stop":
		return app.ContainerStop(ctx, *host, name)
	case "delete":
		return app.ContainerDelete(ctx, *host, name, *force, *removeTrust)
	default:
		if fs.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: podctl container commit -host ALIAS [-tag T] <name> <image>")
			os.Exit(1)
		}
		return app.ContainerCommit(ctx, *host, name, fs.Arg(1), *tag)
	}
}

func runPod(ctx context.Context, app *podctl.App, cmd string, args []string) error {
	switch cmd {
	case "create":
		fs := flag.NewFlagSet("pod create", flag.ExitOnError)
		image := fs.String("image", "", "Image to run (required)")
		gpus := fs.String("gpu", "", "Comma separated GPU type ids in preference order (required)")
		tier := fs.String("tier", string(model.TierAll), "ALL, SECURE or COMMUNITY")
		count := fs.Int("count", 1, "GPUs per pod")
		disk := fs.Int("disk", 0, "Container disk in GB")
		jupyter := fs.Bool("jupyter", false, "Expose Jupyter on 8888")
		register := fs.Bool("register", false, "Add the pod to the trust store")
		link := fs.String("link", "", "Trust store alias of a container to link for syncing")
		fs.Parse(args)
		if *image == "" || *gpus == "" || fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: podctl pod create -image IMAGE -gpu ID[,ID...] [flags] <name>")
			os.Exit(1)
		}
		return app.PodCreate(ctx, podctl.PodCreateOptions{
			Name:     fs.Arg(0),
			Image:    *image,
			GpuTypes: strings.Split(*gpus, ","),
			Tier:     *tier,
			GpuCount: *count,
			DiskGB:   *disk,
			Jupyter:  *jupyter,
			Register: *register,
			Link:     *link,
		})

	case "terminate":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: podctl pod terminate <pod-id>")
			os.Exit(1)
		}
		return app.PodTerminate(ctx, args[0])

	case "list":
		return app.PodList(ctx)

	case "gpus":
		fs := flag.NewFlagSet("pod gpus", flag.ExitOnError)
		tier := fs.String("tier", string(model.TierAll), "ALL, SECURE or COMMUNITY")
		fs.Parse(args)
		return app.PodGpus(ctx, *tier)
	}
	return unknown("pod", cmd)
}

func unknown(group, cmd string) error {
	fmt.Fprintf(os.Stderr, "Unknown command: %s %s\n", group, cmd)
	printUsage()
	os.Exit(1)
	return nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage:
  podctl host add [-port N] [-user U] [-i FILE] <alias> <hostname>
  podctl host remove <alias>
  podctl host list
  podctl container create -host ALIAS -image IMAGE -p H:22 [-p H:C] [-jupyter] [-register] <name>
  podctl container start|stop -host ALIAS <name>
  podctl container delete -host ALIAS [-force] [-untrust] <name>
  podctl container commit -host ALIAS [-tag T] <name> <image>
  podctl container list -host ALIAS [-status running|exited|all]
  podctl container images -host ALIAS [-dangling]
  podctl pod create -image IMAGE -gpu ID[,ID...] [-tier T] [-count N] [-jupyter] [-link ALIAS] <name>
  podctl pod terminate <pod-id>
  podctl pod list
  podctl pod gpus [-tier ALL|SECURE|COMMUNITY]

Commands:
  host        Manage the trust store of SSH endpoints
  container   Manage docker containers on a trusted host machine
  pod         Allocate, inspect and terminate GPU pods

Environment:
  RUNPOD_API_KEY     Provider API key (required for pod commands)
  TRUST_STORE_PATH   Trust store file (default: ~/.config/podlab/hosts.yaml)
  LOG_LEVEL          debug, info, warn or error (default: info)`)
}
