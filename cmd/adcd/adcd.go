package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/mkrenek/adcd"
	"github.com/mkrenek/adcd/internal/adcdb"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("SampleRate", 20000.0)
	viper.SetDefault("FrameSamples", 128)
	viper.SetDefault("ChannelTags", []int{6})

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotAdcd := filepath.Join(HOME, ".adcd")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotAdcd, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/adcd"))
	viper.AddConfigPath(dotAdcd)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	adcd.Build.Date = buildDate
	adcd.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	serialPort := flag.String("serial", "", "serial port of the converter front end (empty: simulate)")
	mqttBroker := flag.String("mqtt", "", "MQTT broker URL for telemetry (empty: disabled)")
	useDB := flag.Bool("db", false, "record activity and calibration changes to ClickHouse")
	basePort := flag.Int("port", 6600, "base TCP port (JSON-RPC; status uses port+1)")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to this file")
	flag.Parse()
	adcd.SetPortnumbers(*basePort)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *printVersion {
		fmt.Printf("This is adcd version %s\n", adcd.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	fmt.Printf("\nThis is adcd version %s (git commit %s)\n", adcd.Build.Version, githash)

	// Start logging problems to a rotated log file.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".adcd", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	adcd.ProblemLogger = startLogger(problemname)
	fmt.Printf("Logging problems to %s\n\n", problemname)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	tags := viper.GetIntSlice("ChannelTags")
	nchan := len(tags)

	store := adcd.NewChannelStore(nchan, adcd.ViperStore{})
	if err := store.InitCalibration(); err != nil {
		panic(err)
	}
	monitor := adcd.NewNoiseMonitor(nchan)

	var sampler adcd.Sampler
	if *serialPort != "" {
		sampler = adcd.NewSerialSampler(*serialPort, 0)
		fmt.Printf("Sampling from serial port %s\n", *serialPort)
	} else {
		sampler = adcd.NewSimSampler(viper.GetFloat64("SampleRate"), viper.GetInt("FrameSamples"))
		fmt.Println("Sampling from the simulated conversion engine")
	}

	task, err := adcd.NewAcquisitionTask(sampler, store, tags, monitor)
	if err != nil {
		log.Fatalf("could not set up acquisition: %v", err)
	}
	if err := task.Start(); err != nil {
		log.Fatalf("could not start acquisition: %v", err)
	}

	abort := make(chan struct{})

	var archive *adcdb.Connection
	if *useDB {
		host, _ := os.Hostname()
		activity := adcdb.NewActivityMessage(host, githash, adcd.Build.Version, runtime.Version(), nchan)
		archive = adcdb.StartDBConnection(activity, abort)
	}

	go func() {
		err := adcd.RunStatusPublisher(store, task, monitor, adcd.Ports.Status, time.Second, abort)
		if err != nil {
			adcd.ProblemLogger.Printf("status publisher failed: %v", err)
		}
	}()

	if *mqttBroker != "" {
		telem, err := adcd.NewTelemetryPublisher(*mqttBroker, "adcd", "adcd/readings")
		if err != nil {
			adcd.ProblemLogger.Printf("telemetry disabled: %v", err)
		} else {
			go telem.Run(store, time.Second, abort)
			defer telem.Close()
		}
	}

	control := adcd.NewAdcControl(store, task, monitor, archive)
	if err := adcd.RunRPCServer(control, adcd.Ports.RPC, false); err != nil {
		log.Fatalf("could not start RPC server: %v", err)
	}
	fmt.Printf("JSON-RPC server listening on port %d\n", adcd.Ports.RPC)
	fmt.Printf("Status publisher on port %d\n", adcd.Ports.Status)

	// Run until interrupted, then stop the hardware before tearing down.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	fmt.Println("\nStopping acquisition")
	if err := task.Stop(); err != nil {
		adcd.ProblemLogger.Printf("error stopping acquisition: %v", err)
	}
	if err := store.Reset(adcd.DefaultAccessTimeout); err != nil {
		adcd.ProblemLogger.Printf("error resetting channel state: %v", err)
	}
	close(abort)
}
