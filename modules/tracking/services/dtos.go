package services

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/iota-uz/telemetry-sdk/pkg/serrors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const (
	VisitSourceDirect = "direct"
	VisitSourceLink   = "link"
	VisitSourcePush   = "push"

	ClickSourcePush  = "push"
	ClickSourceInApp = "inApp"
)

type InstallationDTO struct {
	DeviceID   string `json:"deviceId" validate:"required,max=128"`
	Platform   string `json:"platform" validate:"required,oneof=ios android web"`
	AppVersion string `json:"appVersion,omitempty" validate:"omitempty,max=64"`
	SDKVersion string `json:"sdkVersion,omitempty" validate:"omitempty,max=64"`
	Locale     string `json:"locale,omitempty" validate:"omitempty,bcp47_language_tag"`
}

func (d *InstallationDTO) Normalize() {
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	d.Platform = strings.ToLower(strings.TrimSpace(d.Platform))
	d.Locale = strings.TrimSpace(d.Locale)
}

func (d *InstallationDTO) Ok() error {
	d.Normalize()
	return check(d)
}

type InfoUpdatedDTO struct {
	DeviceID   string `json:"deviceId" validate:"required,max=128"`
	PushToken  string `json:"pushToken,omitempty" validate:"omitempty,max=4096"`
	AppVersion string `json:"appVersion,omitempty" validate:"omitempty,max=64"`
	Locale     string `json:"locale,omitempty" validate:"omitempty,bcp47_language_tag"`
	// Subscribed mirrors the notification permission; nil means unchanged.
	Subscribed *bool `json:"subscribed,omitempty"`
}

func (d *InfoUpdatedDTO) Ok() error {
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	d.PushToken = strings.TrimSpace(d.PushToken)
	return check(d)
}

type PushDeliveredDTO struct {
	PushID   string `json:"pushId" validate:"required,max=256"`
	DeviceID string `json:"deviceId,omitempty" validate:"omitempty,max=128"`
}

func (d *PushDeliveredDTO) Ok() error {
	d.PushID = strings.TrimSpace(d.PushID)
	return check(d)
}

type ClickDTO struct {
	Source string `json:"source" validate:"required,oneof=push inApp"`
	// ID is the push or in-app message id.
	ID     string `json:"id" validate:"required,max=256"`
	Action string `json:"action,omitempty" validate:"omitempty,max=256"`
	URL    string `json:"url,omitempty" validate:"omitempty,url"`
}

func (d *ClickDTO) Ok() error {
	d.ID = strings.TrimSpace(d.ID)
	d.URL = strings.TrimSpace(d.URL)
	return check(d)
}

type VisitDTO struct {
	DeviceID string `json:"deviceId" validate:"required,max=128"`
	Source   string `json:"source" validate:"required,oneof=direct link push"`
	// URL is required for link visits.
	URL string `json:"url,omitempty" validate:"omitempty,url"`
}

func (d *VisitDTO) Ok() error {
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	d.Source = strings.ToLower(strings.TrimSpace(d.Source))
	d.URL = strings.TrimSpace(d.URL)
	if err := check(d); err != nil {
		return err
	}
	if d.Source == VisitSourceLink && d.URL == "" {
		return serrors.ValidationErrors{"URL": serrors.NewFieldRequiredError("URL", "")}
	}
	return nil
}

type CustomEventDTO struct {
	OperationSystemName string          `json:"operationSystemName" validate:"required,max=256"`
	Payload             json.RawMessage `json:"payload,omitempty"`
}

func (d *CustomEventDTO) Ok() error {
	d.OperationSystemName = strings.TrimSpace(d.OperationSystemName)
	if err := check(d); err != nil {
		return err
	}
	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		return serrors.ValidationErrors{
			"Payload": serrors.NewFieldInvalidError("Payload", "json", ""),
		}
	}
	return nil
}

type SDKLogsDTO struct {
	Lines []string `json:"lines" validate:"required,min=1,max=500,dive,required"`
}

func (d *SDKLogsDTO) Ok() error {
	return check(d)
}

func check(dto any) error {
	err := validate.Struct(dto)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	return serrors.ProcessValidatorErrors(verrs, nil)
}
