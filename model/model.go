package model

import (
	"fmt"
	"image"
	"runtime/debug"
	"time"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Category   ErrorCategory          `json:"category"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func (e CustomError) Error() string {
	if e.Inner == nil {
		return fmt.Sprintf("%s: %s", e.Processor, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Processor, e.Message, e.Inner)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	return CustomError{
		Processor:  proc,
		Category:   Categorize(err),
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

// VehicleClass is one of the four tracked COCO vehicle classes.
type VehicleClass string

const (
	Car        VehicleClass = "car"
	Motorcycle VehicleClass = "motorcycle"
	Bus        VehicleClass = "bus"
	Truck      VehicleClass = "truck"
)

// VehicleClasses lists the tracked classes in display order.
var VehicleClasses = []VehicleClass{Car, Motorcycle, Bus, Truck}

// cocoVehicles maps COCO class ids to tracked classes.
var cocoVehicles = map[int]VehicleClass{
	2: Car,
	3: Motorcycle,
	5: Bus,
	7: Truck,
}

// VehicleClassFromCOCO returns the tracked class for a COCO class id.
func VehicleClassFromCOCO(id int) (VehicleClass, bool) {
	c, ok := cocoVehicles[id]
	return c, ok
}

// ParseVehicleClass maps a model label to a tracked class.
func ParseVehicleClass(label string) (VehicleClass, bool) {
	for _, c := range VehicleClasses {
		if string(c) == label {
			return c, true
		}
	}
	return "", false
}

type CameraSource struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Address    string    `json:"address"`
	ResolvedAt time.Time `json:"resolvedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Valid reports whether the resolved address can still be used at t.
func (c CameraSource) Valid(t time.Time) bool {
	return c.Address != "" && t.Before(c.ExpiresAt)
}

type Detection struct {
	Class      VehicleClass    `json:"class"`
	Label      string          `json:"label"`
	Confidence float32         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

type CycleResult struct {
	ID          string               `json:"id"`
	Camera      string               `json:"camera"`
	StartedAt   time.Time            `json:"startedAt"`
	FinishedAt  time.Time            `json:"finishedAt"`
	FrameCounts []int                `json:"frameCounts"`
	ClassTotals map[VehicleClass]int `json:"classTotals"`
	Average     float64              `json:"average"`
	Rounded     int                  `json:"rounded"`
	ImagePath   string               `json:"imagePath"`
}

type AlertEvent struct {
	Category  ErrorCategory `json:"category"`
	Camera    string        `json:"camera"`
	Detail    string        `json:"detail"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewAlert builds an alert for err, taking the category from the error chain.
func NewAlert(camera string, err error, detailf string, args ...interface{}) AlertEvent {
	detail := fmt.Sprintf(detailf, args...)
	if err != nil {
		detail = fmt.Sprintf("%s: %v", detail, err)
	}
	return AlertEvent{
		Category:  Categorize(err),
		Camera:    camera,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

type FrameCount struct {
	Camera    string               `json:"cctv_id"`
	Total     int                  `json:"total"`
	Counts    map[VehicleClass]int `json:"counts"`
	Timestamp time.Time            `json:"timestamp"`
}

type FrameStats struct {
	Camera        string               `json:"camera"`
	Source        string               `json:"source"`
	Counts        map[VehicleClass]int `json:"counts"`
	InferenceTime time.Duration        `json:"inferenceTime"`
	Timestamp     time.Time            `json:"timestamp"`
}
