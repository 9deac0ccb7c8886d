package lens

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
)

const (
	chartMaxChannels      = 12
	bottomTableMaxRecords = 10
)

// ReportMetrics summarizes the events held in a store.
type ReportMetrics struct {
	GeneratedAt    time.Time             `json:"generated_at"`
	EventCount     int                   `json:"event_count"`
	DecodeFailures int                   `json:"decode_failures"`
	FirstEventAt   *time.Time            `json:"first_event_at,omitempty"`
	LastEventAt    *time.Time            `json:"last_event_at,omitempty"`
	Channels       []ChannelMetrics      `json:"channels"`
	StopFunctions  []StopFunctionMetrics `json:"stop_functions"`
	FrameDepth     FrameDepthMetrics     `json:"frame_depth"`
}

// ChannelMetrics summarizes one channel.
type ChannelMetrics struct {
	Channel      string `json:"channel"`
	EventCount   int    `json:"event_count"`
	UniqueStates int    `json:"unique_states"` // distinct innermost frame field trees
	LatestLogMsg string `json:"latest_log_msg"`
}

// StopFunctionMetrics counts events stopped in one function.
type StopFunctionMetrics struct {
	Function   string `json:"function"`
	File       string `json:"file"`
	EventCount int    `json:"event_count"`
}

// FrameDepthMetrics describes the captured stack depths.
type FrameDepthMetrics struct {
	Min  int     `json:"min"`
	Max  int     `json:"max"`
	Mean float64 `json:"mean"`
}

// LoadStoredEvents decodes every event in storage, ordered by channel and sequence. Blobs which
// cannot be decoded are logged and counted.
func LoadStoredEvents(storage Storage) ([]*StoredEvent, int, error) {
	keys, err := storage.ListKeys()
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	events := make([]*StoredEvent, len(keys))
	errGroup := ErrGroupLimitCPU()
	for i, key := range keys {
		errGroup.Go(func() error {
			blob, ok, err := storage.LoadState(key)
			if err != nil {
				return fmt.Errorf("load event %s: %w", key, err)
			} else if !ok {
				return nil // deleted after listing
			}
			ev, err := DecodeEventBlob(blob)
			if err != nil {
				log.Printf("WARN: skipping undecodable event %q: %v", key, err)
				return nil
			}
			events[i] = ev
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, 0, err
	}

	decoded := bulk.SliceFilter(func(ev *StoredEvent) bool {
		return ev != nil
	}, events)
	return decoded, len(keys) - len(decoded), nil
}

// BuildReport computes the report metrics for the events in storage.
func BuildReport(storage Storage) (ReportMetrics, error) {
	events, failures, err := LoadStoredEvents(storage)
	if err != nil {
		return ReportMetrics{}, err
	}
	report := SummarizeEvents(events)
	report.DecodeFailures = failures
	return report, nil
}

// SummarizeEvents computes the report metrics for events ordered by channel and sequence.
func SummarizeEvents(events []*StoredEvent) ReportMetrics {
	report := ReportMetrics{
		GeneratedAt:   time.Now().UTC(),
		EventCount:    len(events),
		Channels:      []ChannelMetrics{},
		StopFunctions: []StopFunctionMetrics{},
	}
	if len(events) == 0 {
		return report
	}

	var first, last int64
	var depthSum int
	report.FrameDepth.Min = len(events[0].Frames)
	for _, ev := range events {
		if ev.TimeMillis > 0 {
			if first == 0 || ev.TimeMillis < first {
				first = ev.TimeMillis
			}
			last = max(last, ev.TimeMillis)
		}
		depth := len(ev.Frames)
		depthSum += depth
		report.FrameDepth.Min = min(report.FrameDepth.Min, depth)
		report.FrameDepth.Max = max(report.FrameDepth.Max, depth)
	}
	report.FrameDepth.Mean = float64(depthSum) / float64(len(events))
	if first > 0 {
		firstAt, lastAt := time.UnixMilli(first).UTC(), time.UnixMilli(last).UTC()
		report.FirstEventAt, report.LastEventAt = &firstAt, &lastAt
	}

	byChannel := bulk.SliceToGroupsBy(func(ev *StoredEvent) string {
		return ev.Channel
	}, events)
	for channel, channelEvents := range byChannel {
		states := make(map[string]bool)
		latest := channelEvents[0]
		for _, ev := range channelEvents {
			if len(ev.Frames) > 0 {
				states[FieldsID(ev.Frames[0].Fields)] = true
			}
			if ev.Seq > latest.Seq {
				latest = ev
			}
		}
		report.Channels = append(report.Channels, ChannelMetrics{
			Channel:      channel,
			EventCount:   len(channelEvents),
			UniqueStates: len(states),
			LatestLogMsg: latest.LogMsg,
		})
	}
	slices.SortFunc(report.Channels, func(a, b ChannelMetrics) int {
		if c := cmp.Compare(b.EventCount, a.EventCount); c != 0 {
			return c
		}
		return strings.Compare(a.Channel, b.Channel)
	})

	stopKeys := make([]StopFunctionMetrics, 0, len(events))
	for _, ev := range events {
		if len(ev.Frames) > 0 {
			stopKeys = append(stopKeys, StopFunctionMetrics{Function: ev.Frames[0].Function, File: ev.Frames[0].File})
		}
	}
	for stop, count := range bulk.SliceToCounts(stopKeys) {
		stop.EventCount = count
		report.StopFunctions = append(report.StopFunctions, stop)
	}
	slices.SortFunc(report.StopFunctions, func(a, b StopFunctionMetrics) int {
		if c := cmp.Compare(b.EventCount, a.EventCount); c != 0 {
			return c
		} else if c := strings.Compare(a.Function, b.Function); c != 0 {
			return c
		}
		return strings.Compare(a.File, b.File)
	})
	return report
}

// WriteReportJSON writes the report to path, an empty path does nothing.
func WriteReportJSON(path string, report ReportMetrics) error {
	if path == "" {
		return nil
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	} else if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// ReadReportJSON reads a report written by WriteReportJSON.
func ReadReportJSON(path string) (ReportMetrics, error) {
	var report ReportMetrics
	data, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("read report failed: %w", err)
	} else if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("unmarshal report failed: %w", err)
	}
	return report, nil
}

// WriteReportChart renders the report chart to path, the format is selected by the extension
// (png, jpg or svg). An empty path does nothing.
func WriteReportChart(path string, report ReportMetrics) error {
	if path == "" {
		return nil
	}
	outputType, err := chartOutputType(path)
	if err != nil {
		return err
	}
	buf, err := renderReportChart(charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       1024,
	}, report)
	if err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderReportChartsFromJson renders a previously written report to a png.
func RenderReportChartsFromJson(report ReportMetrics) ([]byte, error) {
	return renderReportChart(charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}, report)
}

func chartOutputType(path string) (string, error) {
	switch strings.ToLower(path[strings.LastIndex(path, ".")+1:]) {
	case "png":
		return charts.ChartOutputPNG, nil
	case "jpg", "jpeg":
		return charts.ChartOutputJPG, nil
	case "svg":
		return charts.ChartOutputSVG, nil
	default:
		return "", fmt.Errorf("unhandled chart file type: %s", path)
	}
}

func renderReportChart(painterOpt charts.PainterOptions, report ReportMetrics) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderReportToPainter(p, report); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a better fitting painter
		painterOpt.Height = max(chartBox.Height(), 256)
		p = charts.NewPainter(painterOpt)
		if _, err := renderReportToPainter(p, report); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

func renderReportToPainter(p *charts.Painter, report ReportMetrics) (charts.Box, error) {
	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	title := "Trace Events: " + strconv.Itoa(report.EventCount)
	if report.DecodeFailures > 0 {
		title += " (" + strconv.Itoa(report.DecodeFailures) + " unreadable)"
	}
	titleBox := p.MeasureText(title, 0, titleFont)
	resultBox.Bottom += titleBox.Height()

	channels := report.Channels
	if len(channels) > chartMaxChannels {
		channels = channels[:chartMaxChannels]
	}
	channelHeight := 64 + 28*max(len(channels), 1)
	painters, err := p.LayoutByRows().
		RowGap(strconv.Itoa(titleBox.Height())).
		Row().Height(strconv.Itoa(channelHeight)).Columns("channels").
		Row().Columns("bottom"). // remaining space for the stop function table
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	top := painters["channels"]
	bottom := painters["bottom"]

	if len(channels) == 0 {
		text := "No Events Recorded"
		textBox := top.MeasureText(text, 0, titleFont)
		top.Text(text, (top.Width()-textBox.Width())/2, top.Height()/2, 0, titleFont)
	} else {
		values := make([]float64, len(channels))
		labels := make([]string, len(channels))
		maxCount := 0
		for i, ch := range channels {
			// horizontal bars render bottom up, reverse to keep the busiest channel on top
			j := len(channels) - 1 - i
			values[j] = float64(ch.EventCount)
			labels[j] = channelLabel(ch.Channel)
			maxCount = max(maxCount, ch.EventCount)
		}
		opt := charts.NewHorizontalBarChartOptionWithData([][]float64{values})
		opt.Theme = charts.GetTheme(charts.ThemeLight).WithBackgroundColor(charts.ColorTransparent)
		opt.Title.Text = "Events per Channel"
		opt.YAxis.Labels = labels
		opt.XAxis.Unit = axisUnitForMax(maxCount)
		opt.SeriesList[0].Label.Show = charts.Ptr(true)
		if err := top.HorizontalBarChart(opt); err != nil {
			return resultBox, fmt.Errorf("error rendering chart: %w", err)
		}
	}
	resultBox.Bottom += top.Height()

	stops := report.StopFunctions
	if len(stops) > bottomTableMaxRecords {
		stops = stops[:bottomTableMaxRecords]
	}
	if len(stops) > 0 {
		rows := make([][]string, len(stops))
		for i, s := range stops {
			rows[i] = []string{s.Function, s.File, strconv.Itoa(s.EventCount)}
		}
		tableTitle := "Top Stop Functions"
		tableTitleFont := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.ColorBlack,
			Font:      charts.GetDefaultFont(),
		}
		tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
		bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		tableOpt := charts.TableChartOption{
			Header:                []string{"Function", "File", "Events"},
			Data:                  rows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{20, 32, 6},
			TextAligns:            []string{charts.AlignLeft, charts.AlignLeft, charts.AlignCenter},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(tableOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// rendered again only to measure, the painter does not report the table size
		tableOpt.Width = bottom.Width()
		if tp, _ := charts.TableOptionRenderDirect(tableOpt); tp != nil {
			resultBox.Bottom += tableTitleBox.Height() + tp.Height() + 16
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return resultBox, nil
}

func channelLabel(channel string) string {
	if channel == "" {
		return "(none)"
	} else if len(channel) > 32 {
		return channel[:30] + ".."
	}
	return channel
}

func axisUnitForMax(val int) float64 {
	switch {
	case val >= 8000:
		return 2000
	case val > 2000:
		return 1000
	case val >= 800:
		return 200
	case val > 200:
		return 100
	case val >= 80:
		return 20
	case val > 20:
		return 10
	case val >= 10:
		return 2
	default:
		return 1
	}
}
