// Package anc assembles the predictive noise suppression pipeline:
// incoming frames are recorded into a pattern history, a heuristic
// nearest-neighbor predictor synthesizes the expected near-future
// waveform, and the anti-noise signal is mixed, filtered through a
// parametric peaking cascade, delay-compensated and limited before it
// reaches the output.
//
// The pipeline separates a real-time frame path from a control path.
// ProcessFrame is allocation-free and never blocks on control-path
// activity; Configure, Retune and Analysis run on the control path and
// hand changes to the frame path through an atomically swapped
// configuration snapshot, applied at the next frame boundary.
package anc
