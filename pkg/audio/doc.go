// Package audio defines the frame type and the sample-level helpers shared by
// the capture, segmentation, and transcription stages of earshot.
//
// Samples travel through the pipeline as interleaved float32 PCM normalised
// to [-1.0, 1.0]. Capture devices deliver frames at the device format
// (typically 48 kHz stereo); the transcription stage flattens a segment,
// down-mixes it to mono, and resamples it to the model rate with a
// [Resampler] such as [LinearResample].
//
// Device access lives in the sub-packages: [capture] declares the contract,
// portaudio implements it against a real sound card, and mock provides a
// scriptable double for tests.
//
// This package lives under pkg/ because external code (third-party capture
// backends and transcribers) is expected to consume [Frame].
package audio
