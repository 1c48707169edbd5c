package dialogue

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/fitbuddy/internal/reminder"
)

// Sink receives the side effects of completed built-in flows.
type Sink interface {
	SaveDialogueResult(ctx context.Context, userID, flowID string, answers Answers) error
	ReplaceReminders(ctx context.Context, userID string, kind reminder.Kind, records []reminder.Record) error
}

const (
	FlowWeight          = "weight"
	FlowMeasurements    = "measurements"
	FlowCalories        = "calories"
	FlowMealDiary       = "meal_diary"
	FlowWorkoutReminder = "workout_reminder"
	FlowMealReminder    = "meal_reminder"
)

// TimeOfDay accepts a zero-padded 24h "HH:MM".
func TimeOfDay() Validator {
	return func(raw string, _ Answers) (any, error) {
		raw = strings.TrimSpace(raw)
		if !reminder.ValidTimeOfDay(raw) {
			return nil, reject("use the HH:MM format, for example 07:30")
		}
		return raw, nil
	}
}

// TimeAfter is TimeOfDay with the extra rule that the value is strictly
// later than the answer stored under prevField.
func TimeAfter(prevField string) Validator {
	base := TimeOfDay()
	return func(raw string, prior Answers) (any, error) {
		v, err := base(raw, prior)
		if err != nil {
			return nil, err
		}
		prev := prior.String(prevField)
		if prev == "" {
			return v, nil
		}
		cur, _ := reminder.MinuteOfDay(v.(string))
		before, err := reminder.MinuteOfDay(prev)
		if err == nil && cur <= before {
			return nil, reject("this time must be later than %s", prev)
		}
		return v, nil
	}
}

// Weekdays accepts day tags, names or ISO numbers. "all" yields an empty
// selection meaning every day.
func Weekdays() Validator {
	return func(raw string, _ Answers) (any, error) {
		days, err := reminder.ParseDays(raw)
		if err != nil {
			return nil, reject("list days like mon,wed,fri or 1,3,5, or type all")
		}
		if days == nil {
			return []reminder.Weekday{}, nil
		}
		return days, nil
	}
}

var activityLevels = []string{"minimal", "low", "medium", "high", "very_high"}

var activityFactors = map[string]float64{
	"minimal":   1.2,
	"low":       1.375,
	"medium":    1.55,
	"high":      1.725,
	"very_high": 1.9,
}

type CalorieNeeds struct {
	BMR         float64 `json:"bmr"`
	Maintenance int     `json:"maintenance"`
	WeightLoss  int     `json:"weight_loss"`
	WeightGain  int     `json:"weight_gain"`
}

// DailyCalories applies the Mifflin-St Jeor equation and the activity
// factor. Loss and gain targets are a 15% deficit and surplus.
func DailyCalories(weightKG, heightCM float64, age int, gender, activity string) (CalorieNeeds, error) {
	factor, ok := activityFactors[activity]
	if !ok {
		return CalorieNeeds{}, fmt.Errorf("unknown activity level %q", activity)
	}
	bmr := 10*weightKG + 6.25*heightCM - 5*float64(age)
	switch gender {
	case "male":
		bmr += 5
	case "female":
		bmr -= 161
	default:
		return CalorieNeeds{}, fmt.Errorf("unknown gender %q", gender)
	}
	daily := math.Round(bmr * factor)
	return CalorieNeeds{
		BMR:         math.Round(bmr*10) / 10,
		Maintenance: int(daily),
		WeightLoss:  int(math.Round(daily * 0.85)),
		WeightGain:  int(math.Round(daily * 1.15)),
	}, nil
}

// BuiltinFlows returns the standard flow set wired to sink.
func BuiltinFlows(sink Sink) ([]*Flow, error) {
	builders := []func(Sink) (*Flow, error){
		weightFlow,
		measurementsFlow,
		caloriesFlow,
		mealDiaryFlow,
		workoutReminderFlow,
		mealReminderFlow,
	}
	out := make([]*Flow, 0, len(builders))
	for _, build := range builders {
		f, err := build(sink)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func saveOnly(sink Sink, flowID string, message func(Answers) string) Action {
	return func(ctx context.Context, userID string, answers Answers) (Outcome, error) {
		if err := sink.SaveDialogueResult(ctx, userID, flowID, answers); err != nil {
			return Outcome{}, err
		}
		return Outcome{Message: message(answers), Data: answers.Map()}, nil
	}
}

func weightFlow(sink Sink) (*Flow, error) {
	return NewFlow(FlowWeight, "Log body weight",
		saveOnly(sink, FlowWeight, func(a Answers) string {
			return fmt.Sprintf("Weight %.1f kg saved.", a.Float("weight"))
		}),
		Step{ID: "weight", Field: "weight", Prompt: "Enter your current weight in kg:", Validate: Number(30, 300), Final: true},
	)
}

func measurementsFlow(sink Sink) (*Flow, error) {
	parts := []string{"chest", "waist", "hips", "biceps", "thighs"}
	steps := make([]Step, len(parts))
	for i, p := range parts {
		steps[i] = Step{
			ID:       StepID(p),
			Field:    p,
			Prompt:   fmt.Sprintf("Enter your %s measurement in cm:", p),
			Validate: Number(10, 300),
			Final:    i == len(parts)-1,
		}
	}
	return NewFlow(FlowMeasurements, "Log body measurements",
		saveOnly(sink, FlowMeasurements, func(Answers) string { return "Measurements saved." }),
		steps...,
	)
}

func caloriesFlow(sink Sink) (*Flow, error) {
	complete := func(ctx context.Context, userID string, a Answers) (Outcome, error) {
		needs, err := DailyCalories(a.Float("weight"), a.Float("height"), a.Int("age"), a.String("gender"), a.String("activity"))
		if err != nil {
			return Outcome{}, err
		}
		if err := sink.SaveDialogueResult(ctx, userID, FlowCalories, a); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Message: fmt.Sprintf("Daily calories: %d kcal. Weight loss: %d kcal. Maintenance: %d kcal. Muscle gain: %d kcal.",
				needs.Maintenance, needs.WeightLoss, needs.Maintenance, needs.WeightGain),
			Data: map[string]any{
				"bmr":         needs.BMR,
				"maintenance": needs.Maintenance,
				"weight_loss": needs.WeightLoss,
				"weight_gain": needs.WeightGain,
			},
		}, nil
	}
	return NewFlow(FlowCalories, "Daily calorie calculator", complete,
		Step{ID: "weight", Field: "weight", Prompt: "Enter your weight in kg:", Validate: Number(30, 300)},
		Step{ID: "height", Field: "height", Prompt: "Enter your height in cm:", Validate: Number(100, 250)},
		Step{ID: "age", Field: "age", Prompt: "Enter your age:", Validate: Integer(14, 100)},
		Step{
			ID: "gender", Field: "gender", Prompt: "Select your gender:",
			Options:  []string{"male", "female"},
			Validate: Choice("male", "female"),
			Next: func(a Answers) StepID {
				if a.String("gender") == "female" {
					return "activity_female"
				}
				return "activity_male"
			},
		},
		Step{
			ID: "activity_male", Field: "activity",
			Prompt:   "How active are you? minimal (desk job), low (1-3 workouts a week), medium (3-5), high (6-7), very_high (physical job plus training):",
			Options:  activityLevels,
			Validate: Choice(activityLevels...),
			Final:    true,
		},
		Step{
			ID: "activity_female", Field: "activity",
			Prompt:   "How active are you? minimal (desk job), low (1-3 workouts a week), medium (3-5), high (6-7), very_high (physical job plus training). Pregnancy and breastfeeding change these numbers, so check with a doctor:",
			Options:  activityLevels,
			Validate: Choice(activityLevels...),
			Final:    true,
		},
	)
}

func mealDiaryFlow(sink Sink) (*Flow, error) {
	return NewFlow(FlowMealDiary, "Meal diary entry",
		saveOnly(sink, FlowMealDiary, func(a Answers) string {
			return fmt.Sprintf("%s saved: %.0f kcal, P %.1f g, F %.1f g, C %.1f g.",
				a.String("name"), a.Float("calories"), a.Float("proteins"), a.Float("fats"), a.Float("carbs"))
		}),
		Step{ID: "name", Field: "name", Prompt: "What did you eat?", Validate: Text(100)},
		Step{ID: "calories", Field: "calories", Prompt: "How many calories (kcal)?", Validate: Number(0, 5000)},
		Step{ID: "proteins", Field: "proteins", Prompt: "Protein in grams:", Validate: Number(0, 300)},
		Step{ID: "fats", Field: "fats", Prompt: "Fat in grams:", Validate: Number(0, 300)},
		Step{ID: "carbs", Field: "carbs", Prompt: "Carbohydrates in grams:", Validate: Number(0, 300), Final: true},
	)
}

func workoutReminderFlow(sink Sink) (*Flow, error) {
	complete := func(ctx context.Context, userID string, a Answers) (Outcome, error) {
		days := answerDays(a, "days")
		rec := reminder.Record{
			ID:        uuid.NewString(),
			UserID:    userID,
			Kind:      reminder.KindActivity,
			TimeOfDay: a.String("time"),
			Days:      days,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := sink.ReplaceReminders(ctx, userID, reminder.KindActivity, []reminder.Record{rec}); err != nil {
			return Outcome{}, err
		}
		if err := sink.SaveDialogueResult(ctx, userID, FlowWorkoutReminder, a); err != nil {
			return Outcome{}, err
		}
		when := "every day"
		if len(days) > 0 {
			when = "on " + reminder.FormatDays(days)
		}
		return Outcome{
			Message: fmt.Sprintf("Workout reminder set for %s %s.", rec.TimeOfDay, when),
			Data:    map[string]any{"reminder_id": rec.ID, "time_of_day": rec.TimeOfDay, "days": reminder.FormatDays(days)},
		}, nil
	}
	return NewFlow(FlowWorkoutReminder, "Workout reminder", complete,
		Step{ID: "time", Field: "time", Prompt: "What time should I remind you? (HH:MM)", Validate: TimeOfDay()},
		Step{ID: "days", Field: "days", Prompt: "Which days? (mon,wed,fri or 1-7 numbers, or all)", Validate: Weekdays(), Final: true},
	)
}

// answerDays returns the normalized selection; nil means every day.
func answerDays(a Answers, field string) []reminder.Weekday {
	v, _ := a.Get(field)
	days, _ := v.([]reminder.Weekday)
	norm, err := reminder.NormalizeDays(days)
	if err != nil {
		return nil
	}
	return norm
}

const maxMeals = 6

func mealField(n int) string { return "meal_time_" + strconv.Itoa(n) }

func mealReminderFlow(sink Sink) (*Flow, error) {
	complete := func(ctx context.Context, userID string, a Answers) (Outcome, error) {
		count := a.Int("count")
		now := time.Now().UTC()
		records := make([]reminder.Record, 0, count)
		times := make([]string, 0, count)
		for i := 1; i <= count; i++ {
			t := a.String(mealField(i))
			times = append(times, t)
			records = append(records, reminder.Record{
				ID:        uuid.NewString(),
				UserID:    userID,
				Kind:      reminder.KindMeal,
				Slot:      i,
				TimeOfDay: t,
				Active:    true,
				CreatedAt: now,
			})
		}
		if err := sink.ReplaceReminders(ctx, userID, reminder.KindMeal, records); err != nil {
			return Outcome{}, err
		}
		if err := sink.SaveDialogueResult(ctx, userID, FlowMealReminder, a); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Message: fmt.Sprintf("Meal reminders set: %s.", strings.Join(times, ", ")),
			Data:    map[string]any{"count": count, "times": times},
		}, nil
	}

	steps := []Step{{
		ID: "count", Field: "count", Prompt: "How many meals a day? (3-6)",
		Options:  []string{"3", "4", "5", "6"},
		Validate: Integer(3, maxMeals),
	}}
	for i := 1; i <= maxMeals; i++ {
		n := i
		s := Step{
			ID:     StepID(mealField(n)),
			Field:  mealField(n),
			Prompt: fmt.Sprintf("Time for meal #%d (HH:MM):", n),
			Final:  n == maxMeals,
		}
		if n == 1 {
			s.Validate = TimeOfDay()
		} else {
			s.Validate = TimeAfter(mealField(n - 1))
		}
		if !s.Final {
			s.Next = func(a Answers) StepID {
				if n >= a.Int("count") {
					return End
				}
				return StepID(mealField(n + 1))
			}
		}
		steps = append(steps, s)
	}
	return NewFlow(FlowMealReminder, "Meal reminders", complete, steps...)
}
