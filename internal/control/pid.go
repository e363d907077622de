package control

import "github.com/watertreat/supervisor/internal/mathx"

// stepPID advances one PID loop's internal state by dt (seconds) given the
// current process value pv, and returns the new control value clamped to
// [l.OutputMin, l.OutputMax] (§4.4).
//
// Anti-windup uses back-calculation: the integral is corrected toward the
// value that would have produced the clamped output, rather than simply
// freezing accumulation. The derivative term is low-pass filtered to avoid
// injecting measurement noise, and inputs within Deadband of the setpoint
// are treated as zero error.
func stepPID(l *PIDLoop, pv float64, dt float64) float64 {
	if dt < 0.001 {
		dt = 0.001
	}

	err := l.Setpoint - pv
	if mathx.Abs(err) < l.Deadband {
		err = 0
	}

	if !l.initialized {
		l.lastError = err
		l.lastPV = pv
		l.filteredD = 0
		l.initialized = true
	}

	p := l.Kp * err

	l.integral += err * dt
	l.integral = mathx.Clamp(l.integral, -l.IntegralBound, l.IntegralBound)
	i := l.Ki * l.integral

	rawD := -(pv - l.lastPV) / dt // derivative-on-measurement, avoids setpoint-kick
	alpha := l.DerivativeFilter
	if alpha <= 0 {
		alpha = 1
	}
	l.filteredD = l.filteredD + alpha*(rawD-l.filteredD)
	d := l.Kd * l.filteredD

	raw := p + i + d
	cv := mathx.Clamp(raw, l.OutputMin, l.OutputMax)

	// Back-calculate: pull the integral toward whatever value would have
	// produced the clamped output exactly, so it doesn't keep winding up
	// against a saturated output.
	if raw != cv && l.Ki != 0 {
		correctedIntegral := (cv - p - d) / l.Ki
		l.integral = mathx.Clamp(correctedIntegral, -l.IntegralBound, l.IntegralBound)
	}

	l.lastError = err
	l.lastPV = pv
	l.cv = cv
	return cv
}
