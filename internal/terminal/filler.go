package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/intake/internal/domain/intake"
)

const skipOption = "（不填）"

// Filler walks a user through every field of one form, section by section,
// and submits it. Each answer becomes an event on the form, so the terminal
// obeys the same rules as the HTTP API.
type Filler struct {
	driver  PromptDriver
	form    *intake.Form
	catalog *intake.Catalog
}

func NewFiller(driver PromptDriver, form *intake.Form, catalog *intake.Catalog) *Filler {
	if catalog == nil {
		catalog = intake.DefaultCatalog()
	}
	return &Filler{driver: driver, form: form, catalog: catalog}
}

// Run prompts for all fields, then submits and waits out the
// acknowledgement. When the hand-off fails the user may retry; the answers
// are kept.
func (f *Filler) Run(ctx context.Context) (*intake.Record, error) {
	steps := []func(context.Context) error{
		f.basicInfo,
		f.pastHistory,
		f.presentIllness,
		f.treatment,
		f.temperatures,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}
	return f.submit(ctx)
}

func (f *Filler) section(ctx context.Context, title string) error {
	return f.driver.Info(ctx, "\n== "+title+" ==")
}

func (f *Filler) basicInfo(ctx context.Context) error {
	if err := f.driver.Info(ctx, "门诊问诊信息登记表  今日日期："+f.form.State().TodayDate); err != nil {
		return err
	}
	if err := f.section(ctx, "基本信息"); err != nil {
		return err
	}
	if err := f.text(ctx, intake.FieldPatientName, "姓名", "请输入患者姓名", requiredText); err != nil {
		return err
	}
	if err := f.choose(ctx, intake.FieldGender, "性别", false); err != nil {
		return err
	}
	if err := f.text(ctx, intake.FieldDOB, "出生日期", "YYYY-MM-DD", validDate); err != nil {
		return err
	}
	if age := f.form.State().Age; age != nil {
		return f.driver.Info(ctx, fmt.Sprintf("年龄：%d", *age))
	}
	return nil
}

func (f *Filler) pastHistory(ctx context.Context) error {
	if err := f.section(ctx, "既往史"); err != nil {
		return err
	}
	if err := f.multi(ctx, intake.FieldPastHistory, "既往病史"); err != nil {
		return err
	}
	return f.text(ctx, intake.FieldOtherChronic, "其他慢性疾病及治疗经过", "请输入其他慢性疾病及相关治疗经过...", nil)
}

func (f *Filler) presentIllness(ctx context.Context) error {
	if err := f.section(ctx, "现病史"); err != nil {
		return err
	}
	if err := f.multi(ctx, intake.FieldCurrentPainSite, "目前疼痛部位"); err != nil {
		return err
	}
	if err := f.text(ctx, intake.FieldOnsetTime, "何时起病", "例如：3天前 / 2023年10月", nil); err != nil {
		return err
	}
	if err := f.text(ctx, intake.FieldDuration, "持续时间", "例如：持续2周 / 间歇性发作1个月", nil); err != nil {
		return err
	}
	if err := f.text(ctx, intake.FieldPainType, "疼痛形式", "例如：刺痛、钝痛、酸痛、放射痛等", nil); err != nil {
		return err
	}
	return f.choose(ctx, intake.FieldAcuteChronic, "病程性质", true)
}

func (f *Filler) treatment(ctx context.Context) error {
	if err := f.section(ctx, "本次治疗部位"); err != nil {
		return err
	}
	return f.multi(ctx, intake.FieldTreatmentSite, "本次治疗部位")
}

func (f *Filler) temperatures(ctx context.Context) error {
	if err := f.section(ctx, "红外测量信息 (℃)"); err != nil {
		return err
	}
	if err := f.text(ctx, intake.FieldTempBefore, "治疗前局部温度", "如 36.5", optionalNumber); err != nil {
		return err
	}
	return f.text(ctx, intake.FieldTempAfter, "治疗后局部温度", "如 37.2", optionalNumber)
}

func (f *Filler) submit(ctx context.Context) (*intake.Record, error) {
	for {
		ok, err := f.driver.Confirm(ctx, ConfirmConfig{Message: "提交问诊信息？", Default: true})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAborted
		}
		rec, err := f.form.Submit(ctx)
		if err == nil {
			if err := f.driver.Info(ctx, "信息提交成功！"); err != nil {
				return rec, err
			}
			if err := f.form.WaitEditing(ctx); err != nil {
				return rec, err
			}
			return rec, f.driver.Info(ctx, "表单已恢复编辑。")
		}
		var missing *intake.RequiredFieldsError
		if !errors.As(err, &missing) && !errors.Is(err, intake.ErrSinkFailed) {
			return nil, err
		}
		if err := f.driver.Info(ctx, "提交失败："+err.Error()); err != nil {
			return nil, err
		}
		if missing != nil {
			if err := f.basicInfo(ctx); err != nil {
				return nil, err
			}
		}
	}
}

func (f *Filler) text(ctx context.Context, field intake.Field, label, help string, validate func(string) error) error {
	answer, err := f.driver.Input(ctx, InputConfig{
		Message:   label,
		Help:      help,
		Validator: validate,
	})
	if err != nil {
		return err
	}
	_, err = f.form.Dispatch(intake.Change(field, strings.TrimSpace(answer)))
	return err
}

func (f *Filler) choose(ctx context.Context, field intake.Field, label string, optional bool) error {
	opts := f.catalog.Options(field)
	labels := make([]string, 0, len(opts)+1)
	if optional {
		labels = append(labels, skipOption)
	}
	for _, o := range opts {
		labels = append(labels, o.Label)
	}
	idx, err := f.driver.Select(ctx, SelectConfig{Message: label, Options: labels})
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(labels) {
		return fmt.Errorf("%s: no option selected", label)
	}
	value := labels[idx]
	if value == skipOption {
		value = ""
	}
	_, err = f.form.Dispatch(intake.Change(field, value))
	return err
}

// multi asks for a set and applies the difference to the form as toggles.
func (f *Filler) multi(ctx context.Context, field intake.Field, label string) error {
	opts := f.catalog.Options(field)
	labels := make([]string, len(opts))
	current := make(map[string]bool)
	for _, code := range f.form.State().Set(field) {
		current[code] = true
	}
	var defaults []int
	for i, o := range opts {
		labels[i] = o.Label
		if current[o.Code] {
			defaults = append(defaults, i)
		}
	}
	picked, err := f.driver.MultiSelect(ctx, SelectConfig{Message: label, Options: labels, Defaults: defaults})
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(picked))
	for _, i := range picked {
		if i >= 0 && i < len(opts) {
			want[opts[i].Code] = true
		}
	}
	for _, o := range opts {
		if want[o.Code] == current[o.Code] {
			continue
		}
		if _, err := f.form.Dispatch(intake.Check(field, o.Code, want[o.Code])); err != nil {
			return err
		}
	}
	return nil
}

func requiredText(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("此项为必填项")
	}
	return nil
}

func validDate(s string) error {
	if _, ok := intake.ParseDate(strings.TrimSpace(s)); !ok {
		return errors.New("请输入 YYYY-MM-DD 格式的日期")
	}
	return nil
}

func optionalNumber(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if !intake.IsDecimal(s) {
		return errors.New("请输入数字")
	}
	return nil
}
