package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/progress"
)

// barChannel renders engine events on a terminal progress bar
type barChannel struct {
	bar *progressbar.ProgressBar
}

func newBarChannel(id string) *barChannel {
	return &barChannel{bar: progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(id),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)}
}

func (b *barChannel) Emit(e progress.Event) {
	switch e.Kind {
	case progress.KindProgress:
		_ = b.bar.Set(e.Progress)
	case progress.KindState:
		b.bar.Describe(fmt.Sprintf("%s [%s]", e.DownloadID, e.State))
	}
}

func runFetch(cfg *config.Config, args []string) error {
	fs := flagSet("fetch")
	resume := fs.Bool("resume", false, "continue a paused download")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: modelfetch fetch [-resume] <model-id>")
	}
	id := fs.Arg(0)

	bar := newBarChannel(id)
	a, err := newApp(cfg, bar)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.target(id)
	if err != nil {
		return err
	}
	job, err := a.downloads.Start(t, *resume)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-job.Done():
	case <-ctx.Done():
		// Pause at the next chunk boundary so the download can be resumed.
		if _, err := a.downloads.Pause(id); err != nil && !errors.Is(err, download.ErrNotActive) {
			return err
		}
	}

	res, err := job.Wait()
	_ = bar.bar.Finish()
	if err != nil {
		return err
	}

	switch res.State {
	case download.StateCompleted:
		fmt.Printf("%s: completed, %s at %s\n", id, humanize.IBytes(uint64(res.Session.Size)), res.Session.SavePath)
	case download.StateIdle:
		fmt.Printf("%s: paused at %d%%, run with -resume to continue\n", id, res.Session.ProgressPercent)
	case download.StateErrored:
		return fmt.Errorf("%s: checksum %s does not match the catalog signature", id, res.Session.Checksum)
	default:
		fmt.Printf("%s: %s\n", id, res.State)
	}
	return nil
}

func runImport(cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: modelfetch import <model-id> <path>")
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.target(args[0])
	if err != nil {
		return err
	}
	sess, err := a.downloads.Import(context.Background(), t, args[1])
	if err != nil {
		return err
	}
	fmt.Printf("%s: imported %s (%s, sha256 %s)\n", sess.ID, sess.SavePath, humanize.IBytes(uint64(sess.Size)), sess.Checksum)
	return nil
}

func runList(cfg *config.Config) error {
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	statuses, err := a.downloads.List(context.Background())
	if err != nil {
		return err
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ModelID < statuses[j].ModelID })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tSTATE\tPROGRESS\tSIZE\tPATH")
	for _, st := range statuses {
		size, path := "-", "-"
		if st.Session != nil {
			size, path = humanize.IBytes(uint64(st.Session.Size)), st.Session.SavePath
		}
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n", st.ModelID, st.State, st.Progress, size, path)
	}
	return w.Flush()
}
