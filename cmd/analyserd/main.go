package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dls-controls/analyser"
	"github.com/dls-controls/analyser/internal/rundb"
	"github.com/dls-controls/analyser/ses"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

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

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper(dotAnalyser string) error {
	viper.SetDefault("Verbose", false)
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotAnalyser, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/analyser"))
	viper.AddConfigPath(dotAnalyser)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
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

// openLibrary returns the vendor library, or the simulator when asked for
// or when this binary was built without the vendor binding.
func openLibrary(simulate bool) ses.Library {
	if simulate {
		fmt.Println("Simulating the analyser (no hardware).")
		return ses.NewNoHardware(ses.DefaultDetectorInfo())
	}
	lib, err := ses.OpenLibrary()
	if errors.Is(err, ses.ErrNoWrapper) {
		fmt.Println("Built without the SES library binding; simulating the analyser.")
		analyser.ProblemLogger.Print(err)
		return ses.NewNoHardware(ses.DefaultDetectorInfo())
	}
	if err != nil {
		panic(err)
	}
	return lib
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1)
	analyser.Build.Date = buildDate
	analyser.Build.Githash = githash
	analyser.Build.Gitdate = gitdate
	analyser.Build.Summary = fmt.Sprintf("analyserd version %s (git commit %s of %s)", analyser.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		analyser.Build.Host = host
	} else {
		analyser.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	simulate := flag.Bool("simulate", false, "run against the simulated analyser")
	basePort := flag.Int("port", 5700, "base TCP port (RPC; status is +1, frames +2)")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is analyserd version %s\n", analyser.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is analyserd version %s (git commit %s)\n", analyser.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	dotAnalyser := filepath.Join(HOME, ".analyser")
	logdir := filepath.Join(dotAnalyser, "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	analyser.ProblemLogger = startLogger(problemname)
	analyser.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	analyser.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(dotAnalyser); err != nil {
		panic(err)
	}
	log.Printf("Using config file %s\n", viper.ConfigFileUsed())
	config, err := analyser.LoadConfig()
	if err != nil {
		panic(err)
	}
	analyser.SetBasePort(*basePort)

	abort := make(chan struct{})
	updates := analyser.NewUpdateQueue()
	go func() {
		if err := analyser.RunClientUpdater(updates.Out(), analyser.Ports.Status, abort); err != nil {
			analyser.ProblemLogger.Printf("Status publisher: %v", err)
		}
	}()

	lib := openLibrary(*simulate || config.Instrument.Simulate)
	driver := analyser.NewDriver(lib, config.DriverConfig(), updates.In())
	driver.SetRegionSaver(analyser.SaveRegions)

	if config.RunDB.Enable {
		db, err := rundb.Connect(config.RunDBOptions())
		if err != nil {
			analyser.ProblemLogger.Printf("Run database unavailable: %v", err)
		} else {
			db.Start(&rundb.ActivityMessage{
				ID:        ulid.Make().String(),
				Hostname:  analyser.Build.Host,
				Githash:   githash,
				Version:   analyser.Build.Version,
				GoVersion: runtime.Version(),
				Start:     time.Now(),
			}, abort)
			driver.SetRecorder(db)
			defer db.Wait()
		}
	}

	zmqPublisher := analyser.NewZMQPublisher()
	go func() {
		if err := zmqPublisher.Run(analyser.Ports.Frames, abort); err != nil {
			analyser.ProblemLogger.Printf("Frame publisher: %v", err)
		}
	}()
	writer := analyser.NewFrameWriter(config.Writing.BasePath, config.Writing.Format)
	driver.SetPublisher(analyser.MultiPublisher{zmqPublisher, writer})

	if err := driver.Start(); err != nil {
		analyser.ProblemLogger.Printf("Analyser initialisation: %v", err)
	}
	fmt.Println("Detector info:")
	spew.Dump(driver.DetectorInfo())

	control := analyser.NewAnalyserControl(driver, writer, updates.In())
	err = analyser.RunRPCServer(control, analyser.Ports.RPC, true)
	if err != nil {
		analyser.ProblemLogger.Print(err)
	}
	driver.Close()
	close(abort)
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}
	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
