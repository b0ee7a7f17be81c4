package whisper

import (
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// fromLibSegment converts a whisper.cpp binding segment into an stt.Segment.
func fromLibSegment(s whisperlib.Segment) stt.Segment {
	return stt.Segment{
		Text:  s.Text,
		Start: s.Start,
		End:   s.End,
	}
}

// serverSegments converts a whisper-server verbose_json response into
// segments. Timestamps are reported in seconds.
func serverSegments(resp serverResponse) []stt.Segment {
	if len(resp.Segments) == 0 {
		return stt.TextSegment(resp.Text, 0)
	}
	segs := make([]stt.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segs = append(segs, stt.Segment{
			Text:  s.Text,
			Start: secondsToDuration(s.Start),
			End:   secondsToDuration(s.End),
		})
	}
	return stt.TrimSegments(segs)
}
