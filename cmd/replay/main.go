package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/threadprof/internal/agent"
	"github.com/getsentry/threadprof/internal/hostenv"
	"github.com/getsentry/threadprof/internal/ingest"
	"github.com/getsentry/threadprof/internal/logutil"
)

const (
	workersCount int = 16
)

type result struct {
	path   string
	output string
}

func main() {
	args := os.Args[1:]
	if len(args) != 1 {
		fmt.Println("./replay <recordings directory>") // nolint
		return
	}

	logutil.ConfigureLogger(os.Getenv("THREADPROF_LOG_LEVEL"))

	root := args[0]
	pathChannel := make(chan string, workersCount)
	resultChannel := make(chan result)
	errChannel := make(chan error)

	go func() {
		for err := range errChannel {
			log.Error().Err(err).Msg("can't replay recording")
		}
	}()

	done := make(chan struct{})
	go func() {
		for r := range resultChannel {
			fmt.Printf("Recording: %s\n%s", r.path, r.output) // nolint
		}
		close(done)
	}()

	var wg sync.WaitGroup

	for w := 0; w < workersCount; w++ {
		wg.Add(1)
		go ReplayRecordings(pathChannel, resultChannel, errChannel, &wg)
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json.lz4") {
			return nil
		}
		pathChannel <- path
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't walk recordings directory")
	}

	close(pathChannel)
	wg.Wait()
	close(errChannel)
	close(resultChannel)
	<-done
}

func ReplayRecordings(pathChannel chan string, resultChannel chan result, errChan chan error, wg *sync.WaitGroup) {
	defer wg.Done()

	for path := range pathChannel {
		output, err := replayFile(path)
		if err != nil {
			errChan <- fmt.Errorf("%s: %w", path, err)
			continue
		}
		resultChannel <- result{path: path, output: output}
	}
}

func replayFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return replay(f)
}

// replay runs a recording on a fresh agent and returns every thread block.
func replay(r io.Reader) (string, error) {
	rec, err := ingest.ReadRecording(r)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	env := hostenv.NewMemory()
	a, err := agent.New(env, agent.Options{TraceEnabled: true})
	if err != nil {
		return "", err
	}
	n, err := ingest.NewDispatcher(a, env).DispatchAll(rec.Events)
	if err != nil {
		log.Warn().Err(err).Int("dispatched", n).Int("events", len(rec.Events)).Msg("events rejected")
	}
	var b bytes.Buffer
	if err := a.RenderAllTrees(&b, false); err != nil {
		return "", err
	}
	return b.String(), nil
}
